package tele

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/juju/errors"
	tele_config "github.com/navicane/navi/tele/config"
)

// tlsConfig returns nil for plain text broker URL.
// Client certificate is optional, CA file replaces system roots.
func tlsConfig(config *tele_config.Config) (*tls.Config, error) {
	if !config.Secure() {
		return nil, nil
	}
	tlsconf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.TLS.InsecureSkipVerify, //nolint:gosec
	}
	if config.TLS.CAFile != "" {
		cabytes, err := os.ReadFile(config.TLS.CAFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS ca_file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS ca_file=%s no PEM certificates", config.TLS.CAFile)
		}
	}
	if config.TLS.CertFile != "" || config.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.CertFile, config.TLS.KeyFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS cert_file=%s key_file=%s", config.TLS.CertFile, config.TLS.KeyFile)
		}
		tlsconf.Certificates = []tls.Certificate{cert}
	}
	return tlsconf, nil
}
