package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodehost/internal/config"
)

func TestSetupTLSDisabled(t *testing.T) {
	c, err := SetupTLS(config.ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: false}})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupTLSAutoGenerate(t *testing.T) {
	dir := t.TempDir()
	srv := config.ServerConfig{
		TLSMinVersion: "1.2",
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
			AutoGen:      &config.AutoGenTLS{CommonName: "nodehost.test", ValidDays: 1},
		},
	}
	c, err := SetupTLS(srv)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)

	assert.FileExists(t, filepath.Join(dir, tlsCrt))
	assert.FileExists(t, filepath.Join(dir, tlsKey))
	assert.FileExists(t, filepath.Join(dir, tlsCaCrt))

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestSetupTLSExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "localhost",
		NotAfter:   time.Now().Add(24 * time.Hour),
		CertPath:   certPath,
		KeyPath:    keyPath,
	}))
	c, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath}})
	require.NoError(t, err)
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	assert.NoError(t, err)
}

func TestSetupTLSMissingSource(t *testing.T) {
	_, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("tls1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseTLSVersion("1.0")
	assert.False(t, ok)
}

func TestSetupTLSRejectsBadVersions(t *testing.T) {
	dir := t.TempDir()
	base := &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}

	_, err := SetupTLS(config.ServerConfig{TLS: base, TLSMinVersion: "1.0"})
	assert.ErrorContains(t, err, "unsupported TLS version")

	_, err = SetupTLS(config.ServerConfig{TLS: base, TLSMinVersion: "1.3", TLSMaxVersion: "1.2"})
	assert.Error(t, err)

	c, err := SetupTLS(config.ServerConfig{TLS: base, TLSMinVersion: "default"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
}

func TestSetupTLSMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, Dir: dir}})
	assert.Error(t, err, "no auto generation and no pair on disk")
}

func TestCertificateReloadsWhenReplaced(t *testing.T) {
	dir := t.TempDir()
	c, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{
		Enabled: true, Dir: dir, AutoGenerate: true,
		AutoGen: &config.AutoGenTLS{CommonName: "first"},
	}})
	require.NoError(t, err)
	first, err := c.GetCertificate(nil)
	require.NoError(t, err)
	again, err := c.GetCertificate(nil)
	require.NoError(t, err)
	assert.Same(t, first, again, "unchanged pair is cached")

	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "second",
		NotAfter:   time.Now().Add(time.Hour),
		CertPath:   filepath.Join(dir, tlsCrt),
		KeyPath:    filepath.Join(dir, tlsKey),
	}))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(dir, tlsCrt), later, later))

	second, err := c.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, second.Leaf)
	assert.Equal(t, "second", second.Leaf.Subject.CommonName)
}
