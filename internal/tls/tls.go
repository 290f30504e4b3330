// Package tls builds the TLS configuration of the API listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/nodehost/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"

	defaultValidDays = 5 * 365
)

// SetupTLS returns the server TLS configuration, or nil when TLS is disabled.
// Explicit cert/key files take precedence over the tls.crt/tls.key pair in
// the TLS directory, which is generated first when auto_generate is set.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}

	minVer, err := versionOr(server.TLSMinVersion, tls.VersionTLS12)
	if err != nil {
		return nil, fmt.Errorf("tls_min_version: %w", err)
	}
	maxVer, err := versionOr(server.TLSMaxVersion, tls.VersionTLS13)
	if err != nil {
		return nil, fmt.Errorf("tls_max_version: %w", err)
	}
	if minVer > maxVer {
		return nil, errors.New("tls_min_version is above tls_max_version")
	}

	var certPath, keyPath string
	switch {
	case t.CertFile != "" && t.KeyFile != "":
		certPath, keyPath = t.CertFile, t.KeyFile
	case t.Dir != "":
		certPath, keyPath = filepath.Join(t.Dir, tlsCrt), filepath.Join(t.Dir, tlsKey)
		if t.AutoGenerate && !filesExist(certPath, keyPath) {
			if err := generate(t); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}

	l := &certLoader{certPath: certPath, keyPath: keyPath}
	// fail at startup rather than on the first handshake
	if _, err := l.get(nil); err != nil {
		return nil, err
	}
	// #nosec G402 the minimum version is validated above
	return &tls.Config{
		GetCertificate: l.get,
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// parseTLSVersion maps "1.2"/"1.3" (optionally prefixed with "tls") to the
// crypto/tls constant. ok is false for anything else, including "".
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ver)), "tls") {
	case "1.2":
		return tls.VersionTLS12, true
	case "1.3":
		return tls.VersionTLS13, true
	}
	return 0, false
}

func versionOr(ver string, def uint16) (uint16, error) {
	if s := strings.TrimSpace(ver); s == "" || strings.EqualFold(s, "default") {
		return def, nil
	}
	v, ok := parseTLSVersion(ver)
	if !ok {
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
	return v, nil
}

// certLoader serves the key pair and reloads it when the certificate file
// changes on disk, so renewed certificates apply without a restart.
type certLoader struct {
	certPath, keyPath string

	mu      sync.Mutex
	modTime time.Time
	cert    *tls.Certificate
}

func (l *certLoader) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	fi, err := os.Stat(l.certPath)
	if err != nil {
		return nil, fmt.Errorf("stat certificate: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cert != nil && fi.ModTime().Equal(l.modTime) {
		return l.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(l.certPath), filepath.Clean(l.keyPath))
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	l.cert, l.modTime = &cert, fi.ModTime()
	return l.cert, nil
}

func filesExist(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// generate writes a self-signed pair and its CA copy into t.Dir.
func generate(t *config.TLSConfig) error {
	if err := os.MkdirAll(t.Dir, 0o750); err != nil {
		return fmt.Errorf("create tls dir: %w", err)
	}
	ag := config.AutoGenTLS{}
	if t.AutoGen != nil {
		ag = *t.AutoGen
	}
	cc := CertConfig{
		CommonName:   ag.CommonName,
		Organization: ag.Organization,
		DNSNames:     ag.DNSNames,
		IPAddresses:  ag.IPAddresses,
		CertPath:     filepath.Join(t.Dir, tlsCrt),
		KeyPath:      filepath.Join(t.Dir, tlsKey),
		CACertPath:   filepath.Join(t.Dir, tlsCaCrt),
	}
	if cc.CommonName == "" {
		cc.CommonName = "localhost"
	}
	if cc.Organization == "" {
		cc.Organization = "nodehost"
	}
	if len(cc.DNSNames) == 0 {
		cc.DNSNames = []string{"localhost"}
	}
	if len(cc.IPAddresses) == 0 {
		cc.IPAddresses = []string{"127.0.0.1", "::1"}
	}
	days := ag.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	cc.NotAfter = time.Now().AddDate(0, 0, days)
	return GenerateSelfSignedCert(cc)
}
