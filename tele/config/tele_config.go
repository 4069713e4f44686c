// Separate package is workaround to import cycles.
package tele_config

import (
	"net/url"

	"github.com/juju/errors"
)

const (
	DriverPaho   = "paho"
	DriverGomqtt = "gomqtt"
)

type Config struct { //nolint:maligned
	URL               string `hcl:"url" yaml:"url"`
	Driver            string `hcl:"driver" yaml:"driver"`
	ClientID          string `hcl:"client_id" yaml:"client_id"`
	Username          string `hcl:"username" yaml:"username"`
	Password          string `hcl:"password" yaml:"password"` // secret
	KeepaliveSec      int    `hcl:"keepalive_sec" yaml:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec" yaml:"network_timeout_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec" yaml:"reconnect_delay_sec"`
	LogDebug          bool   `hcl:"log_debug" yaml:"log_debug"`
	TLS               TLS    `hcl:"tls" yaml:"tls"`

	// filled by application from topics config
	Subscribe []string `hcl:"-" yaml:"-"`
}

type TLS struct {
	CAFile             string `hcl:"ca_file" yaml:"ca_file"`
	CertFile           string `hcl:"cert_file" yaml:"cert_file"`
	KeyFile            string `hcl:"key_file" yaml:"key_file"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ParseURL accepts tls|ssl|mqtts|tcp|mqtt|ws|wss scheme with host, port is optional.
func (c *Config) ParseURL() (*url.URL, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "broker.url=%s", c.URL)
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts", "tcp", "mqtt", "ws", "wss":
	default:
		return nil, errors.NotValidf("broker.url=%s scheme", c.URL)
	}
	if u.Hostname() == "" {
		return nil, errors.NotValidf("broker.url=%s host", c.URL)
	}
	return u, nil
}

// Secure reports whether broker URL scheme requires TLS.
func (c *Config) Secure() bool {
	u, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts", "wss":
		return true
	}
	return false
}
