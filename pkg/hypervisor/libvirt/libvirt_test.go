/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build unit

package libvirt_test

import (
	"testing"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor/libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lv "libvirt.org/go/libvirt"
)

func TestParseSnapshotXML(t *testing.T) {
	t.Run("with description", func(t *testing.T) {
		s, err := libvirt.ParseSnapshotXML(`<domainsnapshot>
  <name>1712000000</name>
  <description> clean-install </description>
</domainsnapshot>`)
		require.NoError(t, err)
		assert.Equal(t, hypervisor.Snapshot{ID: "1712000000", Description: "clean-install"}, s)
	})

	t.Run("falls back to name", func(t *testing.T) {
		s, err := libvirt.ParseSnapshotXML(`<domainsnapshot><name>base</name></domainsnapshot>`)
		require.NoError(t, err)
		assert.Equal(t, "base", s.Description)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := libvirt.ParseSnapshotXML(`<domainsnapshot>`)
		assert.Error(t, err)
	})
}

func TestConvertState(t *testing.T) {
	for _, tc := range []struct {
		state    lv.DomainState
		expected hypervisor.PowerState
		raw      string
	}{
		{lv.DOMAIN_RUNNING, hypervisor.PowerStateUp, "running"},
		{lv.DOMAIN_SHUTOFF, hypervisor.PowerStateDown, "shutoff"},
		{lv.DOMAIN_SHUTDOWN, hypervisor.PowerStateOther, "shutdown"},
		{lv.DOMAIN_PAUSED, hypervisor.PowerStateOther, "paused"},
		{lv.DOMAIN_NOSTATE, hypervisor.PowerStateOther, "nostate"},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			power, raw := libvirt.ConvertState(tc.state)
			assert.Equal(t, tc.expected, power)
			assert.Equal(t, tc.raw, raw)
		})
	}
}
