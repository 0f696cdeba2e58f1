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

// Package certutil generates throw-away trust material: a CA standing in for
// a hypervisor engine CA or an API client CA, and leaf key pairs it signs.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

var (
	errGenerateKey = errors.New("failed to generate private key")
	errSignCert    = errors.New("failed to sign certificate")
	errMarshalKey  = errors.New("failed to marshal private key")
	errWriteFile   = errors.New("failed to write PEM file")
)

const validity = 2 * time.Hour

// ------------------------------------------------------- CA ------------------------------------------------------- //

// CA is a certificate authority.
type CA struct {
	key    *ecdsa.PrivateKey
	pool   *x509.CertPool
	root   *x509.Certificate
	serial atomic.Int64
}

// NewCA creates a self-signed CA.
func NewCA() (*CA, error) {
	tmpl := &x509.Certificate{
		Subject:               pkix.Name{Organization: []string{"Use in test only!"}, CommonName: "vmlaunch test CA"},
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Join(err, errGenerateKey)
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("cn=%s", tmpl.Subject.CommonName), errSignCert)
	}

	root, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, errors.Join(err, errSignCert)
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)

	ca := &CA{key: key, pool: pool, root: root}
	ca.serial.Store(1)

	return ca, nil
}

// Pool returns a pool trusting the CA.
func (ca *CA) Pool() *x509.CertPool {
	return ca.pool
}

// Cert returns the CA's root certificate in PEM format.
func (ca *CA) Cert() []byte {
	return certToPEM(ca.root)
}

// ------------------------------------------------ CertifiedKeypair ------------------------------------------------ //

// NewCertifiedKey creates a key pair valid for the given DNS names or IPs.
func (ca *CA) NewCertifiedKey(commonName string, hosts ...string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	tmpl := &x509.Certificate{
		Subject:      pkix.Name{Organization: []string{"Use in test only!"}, CommonName: commonName},
		SerialNumber: big.NewInt(ca.serial.Add(1)),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	addHosts(tmpl, hosts)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Join(err, errGenerateKey)
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, ca.root, key.Public(), ca.key)
	if err != nil {
		return nil, nil, errors.Join(err, fmt.Errorf("cn=%s", commonName), errSignCert)
	}

	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, nil, errors.Join(err, errSignCert)
	}

	return key, cert, nil
}

// NewCertifiedKeyPEM is NewCertifiedKey in PEM format.
func (ca *CA) NewCertifiedKeyPEM(commonName string, hosts ...string) (key []byte, cert []byte, err error) {
	k, c, err := ca.NewCertifiedKey(commonName, hosts...)
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := privateKeyToPEM(k)
	if err != nil {
		return nil, nil, err
	}

	return keyPEM, certToPEM(c), nil
}

// ------------------------------------------------------ Files ----------------------------------------------------- //

// Files are the paths written by WriteFiles.
type Files struct {
	CA   string
	Cert string
	Key  string
}

// WriteFiles writes the CA bundle and a new key pair for hosts under dir as
// ca.crt, tls.crt and tls.key.
func (ca *CA) WriteFiles(dir string, hosts ...string) (Files, error) {
	keyPEM, certPEM, err := ca.NewCertifiedKeyPEM("vmlaunch", hosts...)
	if err != nil {
		return Files{}, err
	}

	files := Files{
		CA:   filepath.Join(dir, "ca.crt"),
		Cert: filepath.Join(dir, "tls.crt"),
		Key:  filepath.Join(dir, "tls.key"),
	}

	for path, data := range map[string][]byte{files.CA: ca.Cert(), files.Cert: certPEM, files.Key: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return Files{}, errors.Join(err, fmt.Errorf("path=%s", path), errWriteFile)
		}
	}

	return files, nil
}

func addHosts(tmpl *x509.Certificate, hosts []string) {
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}

		tmpl.DNSNames = append(tmpl.DNSNames, h)
	}
}

func privateKeyToPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	kb, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Join(err, errMarshalKey)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: kb}), nil
}

func certToPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
