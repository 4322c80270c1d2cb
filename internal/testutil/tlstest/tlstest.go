// Package tlstest issues throwaway certificates for TLS and mTLS tests.
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

// Leaf is a PEM certificate and key pair on disk.
type Leaf struct {
	CertFile string
	KeyFile  string
}

// PKI is a one-level certificate authority rooted in a test temp dir.
type PKI struct {
	Dir    string
	CAFile string

	ca     *x509.Certificate
	caKey  *ecdsa.PrivateKey
	serial atomic.Int64
}

func NewPKI(t testing.TB) *PKI {
	t.Helper()
	p := &PKI{Dir: t.TempDir()}
	p.caKey = newKey(t)
	tmpl := p.template("ipcjson-test-ca")
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLen = 1

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &p.caKey.PublicKey, p.caKey)
	if err != nil {
		t.Fatalf("tlstest: ca cert: %v", err)
	}
	if p.ca, err = x509.ParseCertificate(der); err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	p.CAFile = filepath.Join(p.Dir, "ca.crt")
	mustWritePEM(t, p.CAFile, "CERTIFICATE", der, 0o644)
	return p
}

// Server issues a server leaf valid for hosts, which may be IPs or DNS
// names. With no hosts it covers localhost and 127.0.0.1.
func (p *PKI) Server(t testing.TB, name string, hosts ...string) Leaf {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	tmpl := p.template(name)
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return p.issue(t, name, tmpl)
}

// Client issues a client leaf; name is the CommonName the server reads as
// the peer identity.
func (p *PKI) Client(t testing.TB, name string) Leaf {
	t.Helper()
	tmpl := p.template(name)
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	return p.issue(t, name, tmpl)
}

func (p *PKI) template(cn string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(p.serial.Add(1)),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
}

func (p *PKI) issue(t testing.TB, name string, tmpl *x509.Certificate) Leaf {
	t.Helper()
	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.ca, &key.PublicKey, p.caKey)
	if err != nil {
		t.Fatalf("tlstest: sign %s: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal key %s: %v", name, err)
	}
	base := filepath.Join(p.Dir, fileName(name))
	leaf := Leaf{CertFile: base + ".crt", KeyFile: base + ".key"}
	mustWritePEM(t, leaf.CertFile, "CERTIFICATE", der, 0o644)
	mustWritePEM(t, leaf.KeyFile, "EC PRIVATE KEY", keyDER, 0o600)
	return leaf
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate key: %v", err)
	}
	return key
}

func mustWritePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", path, err)
	}
}

func fileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "leaf"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}
