// Package tlstest issues short-lived certificates for channel TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Files names the PEM files of one issued certificate.
type Files struct {
	CertFile string
	KeyFile  string
}

// CA signs provider and consumer certificates into a test temp dir.
type CA struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	file   string
	serial atomic.Int64
}

func NewCA(t testing.TB) *CA {
	t.Helper()
	ca := &CA{dir: t.TempDir()}
	ca.serial.Store(1)

	key := newKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(ca.serial.Load()),
		Subject:               pkix.Name{CommonName: "mdreactor test ca", Organization: []string{"mdreactor"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	if ca.cert, err = x509.ParseCertificate(der); err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	ca.key = key
	ca.file = filepath.Join(ca.dir, "ca.crt")
	writePEM(t, ca.file, "CERTIFICATE", der, 0o644)
	return ca
}

// File is the CA bundle both sides of a channel trust.
func (ca *CA) File() string { return ca.file }

// Provider issues a server certificate valid for localhost and the
// loopback addresses plus any extra hosts.
func (ca *CA) Provider(t testing.TB, name string, hosts ...string) Files {
	t.Helper()
	dns := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dns = append(dns, h)
	}
	return ca.issue(t, "provider-"+name, x509.ExtKeyUsageServerAuth, dns, ips)
}

// Consumer issues a client certificate for mutual TLS.
func (ca *CA) Consumer(t testing.TB, name string) Files {
	t.Helper()
	return ca.issue(t, "consumer-"+name, x509.ExtKeyUsageClientAuth, nil, nil)
}

func (ca *CA) issue(t testing.TB, cn string, usage x509.ExtKeyUsage, dns []string, ips []net.IP) Files {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(ca.serial.Add(1)),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"mdreactor"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dns,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("sign %s: %v", cn, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", cn, err)
	}

	base := fileName(cn)
	f := Files{
		CertFile: filepath.Join(ca.dir, base+".crt"),
		KeyFile:  filepath.Join(ca.dir, base+".key"),
	}
	writePEM(t, f.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, f.KeyFile, "PRIVATE KEY", keyDER, 0o600)
	return f
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}

func fileName(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(strings.TrimSpace(s))
}
