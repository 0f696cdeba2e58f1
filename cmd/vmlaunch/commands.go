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

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/vmlaunch/internal/agent"
	"github.com/alexandremahdhaoui/vmlaunch/internal/config"
	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/spf13/cobra"
)

var errAttachRequiresOneAgent = errors.New("--attach requires exactly one agent")

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   Name,
		Short: "Bring up build agents on hypervisor VMs",
		Long: `vmlaunch prepares a VM on an oVirt or libvirt hypervisor (optional snapshot
revert, power on, address discovery) and starts a build agent on it over SSH.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		fmt.Sprintf("path to the configuration file (defaults to $%s)", config.ConfigPathEnvKey))
	root.PersistentFlags().BoolVar(&a.devMode, "dev", false, "human-readable debug logs")

	root.AddCommand(
		newLaunchCmd(a),
		newAgentsCmd(a),
		newVMsCmd(a),
		newSnapshotsCmd(a),
		newTestConnectionCmd(a),
		newValidateCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)

	return root
}

// ------------------------------------------------- Launch --------------------------------------------------------- //

type launchOptions struct {
	attach      bool
	hold        bool
	parallelism int
}

func newLaunchCmd(a *app) *cobra.Command {
	opts := &launchOptions{}

	cmd := &cobra.Command{
		Use:   "launch [agent...]",
		Short: "Launch agents, every configured agent when none is named",
		Long: `Launch runs the VM lifecycle of each agent and starts it over SSH.

With --attach the agent's stdin and stdout are bound to the terminal until the
agent exits. With --hold the agent connections are kept open until every agent
exits or the command is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLaunch(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.attach, "attach", false, "bind the agent's stdio to the terminal")
	cmd.Flags().BoolVar(&opts.hold, "hold", false, "keep the agent connections open until they end")
	cmd.Flags().IntVarP(&opts.parallelism, "parallelism", "p", 0, "maximum concurrent launches (0 is unbounded)")

	return cmd
}

func (a *app) runLaunch(ctx context.Context, names []string, opts *launchOptions) error {
	if opts.attach && len(names) != 1 {
		return errAttachRequiresOneAgent
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	mopts := agent.Options{Parallelism: opts.parallelism}
	if opts.attach {
		// The terminal carries the agent protocol; the launch log goes to stderr.
		mopts.Handler = agent.StdioHandler{In: a.stdin, Out: a.stdout}
	}

	m, endpoints, err := a.manager(cfg, connregistry.New(), mopts)
	if err != nil {
		return err
	}

	defer func() {
		if err := m.Shutdown(context.Background()); err != nil {
			a.log.Error(err, "failed to close the agent connections")
		}

		if err := endpoints.Close(); err != nil {
			a.log.Error(err, "failed to close the hypervisor connections")
		}
	}()

	logOut := a.stdout
	if opts.attach {
		logOut = a.stderr
	}

	launches, launchErr := m.LaunchAll(ctx, logOut, names...)

	w := tabwriter.NewWriter(a.stderr, 0, 4, 2, ' ', 0)
	for _, l := range launches {
		if l == nil {
			continue
		}

		r := l.Record()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Agent, r.Status, r.RemoteAddr, r.ID)
	}
	_ = w.Flush()

	if launchErr != nil {
		return launchErr
	}

	if opts.attach || opts.hold {
		awaitSessions(ctx, launches)
	}

	return nil
}

// awaitSessions blocks until every agent session ended or ctx is done.
func awaitSessions(ctx context.Context, launches []*agent.Launch) {
	for _, l := range launches {
		if l == nil {
			continue
		}

		h := l.Handle()
		if h == nil {
			continue
		}

		select {
		case <-h.Done():
		case <-ctx.Done():
			return
		}
	}
}

// ------------------------------------------------- Listings ------------------------------------------------------- //

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the configured agents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tENDPOINT\tVM\tSNAPSHOT")
			for _, ag := range cfg.Agents {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ag.Name, ag.Endpoint, ag.VM, ag.Snapshot)
			}

			return w.Flush()
		},
	}
}

func newVMsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vms <endpoint>",
		Short: "List the VMs visible through an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEndpoint(args[0], func(ep *hypervisor.Endpoint) error {
				names, err := ep.VMNames(cmd.Context())
				if err != nil {
					return err
				}

				return a.printLines(names)
			})
		},
	}
}

func newSnapshotsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <endpoint> <vm>",
		Short: "List the snapshot descriptions of a VM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEndpoint(args[0], func(ep *hypervisor.Endpoint) error {
				names, err := ep.SnapshotNames(cmd.Context(), args[1])
				if err != nil {
					return err
				}

				return a.printLines(names)
			})
		},
	}
}

func (a *app) withEndpoint(ref string, fn func(ep *hypervisor.Endpoint) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	ep, err := a.endpoint(cfg, ref)
	if err != nil {
		return err
	}

	defer func() {
		if err := ep.Close(); err != nil {
			a.log.V(1).Info("failed to close endpoint", "endpoint", ep.ID(), "error", err.Error())
		}
	}()

	return fn(ep)
}

func (a *app) printLines(lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(a.stdout, line); err != nil {
			return err
		}
	}

	return nil
}

// ------------------------------------------------- Checks --------------------------------------------------------- //

func newTestConnectionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <endpoint>",
		Short: "Connect to an endpoint with its configured settings and disconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ep, err := findEndpoint(cfg, args[0])
			if err != nil {
				return err
			}

			connect, err := a.connector(ep.Backend)
			if err != nil {
				return err
			}

			if err := hypervisor.TestConnection(cmd.Context(), connect, ep.HypervisorConfig()); err != nil {
				return err
			}

			_, err = fmt.Fprintf(a.stdout, "Connection to %s succeeded.\n", ep.URL)
			return err
		},
	}
}

func findEndpoint(cfg *config.Config, ref string) (config.Endpoint, error) {
	for _, ep := range cfg.Endpoints {
		if ep.Name == ref || ep.HypervisorConfig().Identity() == ref {
			return ep, nil
		}
	}

	return config.Endpoint{}, fmt.Errorf("%w: endpoint=%q", hypervisor.ErrEndpointNotFound, ref)
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(a.stdout, "Configuration is valid: %d endpoint(s), %d agent(s).\n",
				len(cfg.Endpoints), len(cfg.Agents))
			return err
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(a.stdout, "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
			return err
		},
	}
}
