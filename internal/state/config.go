package state

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/navicane/navi/helpers"
	"github.com/navicane/navi/log2"
	tele_config "github.com/navicane/navi/tele/config"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBrokerURL       = "tls://a3ek4nc9h6bz8z-ats.iot.us-east-2.amazonaws.com:8883"
	DefaultClientID        = "NaviCane"
	DefaultTopicData       = "test/data"
	DefaultTopicAlert      = "device/NaviCane/alerts"
	DefaultListen          = "0.0.0.0:7860"
	DefaultKeepaliveSec    = 60
	DefaultAlertPollSec    = 2
	DefaultMapDelta        = 0.01
	DefaultMapZoom         = 13
	DefaultLogBufferLines  = 500
	DefaultDevBrokerListen = "tcp://127.0.0.1:1883"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include" yaml:"include"`

	Broker tele_config.Config `hcl:"broker" yaml:"broker"`
	Topics TopicsConfig       `hcl:"topics" yaml:"topics"`
	UI     UIConfig           `hcl:"ui" yaml:"ui"`
	Log    LogConfig          `hcl:"log" yaml:"log"`

	DevBroker DevBrokerConfig `hcl:"dev_broker" yaml:"dev_broker"`

	_copy_guard sync.Mutex //nolint:unused
}

type TopicsConfig struct {
	Data  string `hcl:"data" yaml:"data"`
	Alert string `hcl:"alert" yaml:"alert"`
}

type UIConfig struct {
	Listen         string  `hcl:"listen" yaml:"listen"`
	Title          string  `hcl:"title" yaml:"title"`
	AlertPollSec   int     `hcl:"alert_poll_sec" yaml:"alert_poll_sec"`
	MapDelta       float64 `hcl:"map_delta" yaml:"map_delta"`
	MapZoom        int     `hcl:"map_zoom" yaml:"map_zoom"`
	LogBufferLines int     `hcl:"log_buffer_lines" yaml:"log_buffer_lines"`
}

// DevBrokerConfig is used only by `navi broker` command.
type DevBrokerConfig struct {
	Listen []string `hcl:"listen" yaml:"listen"`
	// username -> password, empty allows everybody
	Users map[string]string `hcl:"users" yaml:"users"`
}

type LogConfig struct {
	Level string `hcl:"level" yaml:"level"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key" yaml:"name"`
	Optional bool   `hcl:"optional" yaml:"optional"`
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if isYAML(source.Name) {
		err = yaml.Unmarshal(bs, c)
	} else {
		err = hcl.Unmarshal(bs, c)
	}
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads sources in order, later values overwrite earlier.
// Result has defaults applied but is not validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	c.ApplyDefaults()
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// DefaultConfig is what ReadConfig returns for empty input.
func DefaultConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func (c *Config) ApplyDefaults() {
	if c.Broker.URL == "" {
		c.Broker.URL = DefaultBrokerURL
	}
	if c.Broker.Driver == "" {
		c.Broker.Driver = tele_config.DriverPaho
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = DefaultClientID
	}
	if c.Broker.KeepaliveSec == 0 {
		c.Broker.KeepaliveSec = DefaultKeepaliveSec
	}
	if c.Topics.Data == "" {
		c.Topics.Data = DefaultTopicData
	}
	if c.Topics.Alert == "" {
		c.Topics.Alert = DefaultTopicAlert
	}
	if c.UI.Listen == "" {
		c.UI.Listen = DefaultListen
	}
	if c.UI.Title == "" {
		c.UI.Title = "NAVI - A Smart Cane"
	}
	if c.UI.AlertPollSec == 0 {
		c.UI.AlertPollSec = DefaultAlertPollSec
	}
	if c.UI.MapDelta == 0 {
		c.UI.MapDelta = DefaultMapDelta
	}
	if c.UI.MapZoom == 0 {
		c.UI.MapZoom = DefaultMapZoom
	}
	if c.UI.LogBufferLines == 0 {
		c.UI.LogBufferLines = DefaultLogBufferLines
	}
	if len(c.DevBroker.Listen) == 0 {
		c.DevBroker.Listen = []string{DefaultDevBrokerListen}
	}
}

// Env variables recognized by ApplyEnv.
const (
	EnvBrokerURL    = "NAVI_BROKER_URL"
	EnvMqttPassword = "NAVI_MQTT_PASSWORD"
	EnvTLSCert      = "NAVI_TLS_CERT"
	EnvTLSKey       = "NAVI_TLS_KEY"
	EnvTLSCA        = "NAVI_TLS_CA"
	EnvListen       = "NAVI_LISTEN"
	EnvLogLevel     = "NAVI_LOG_LEVEL"
	EnvAlertPollSec = "NAVI_ALERT_POLL_SEC"
)

// ApplyEnv overrides config with non-empty environment values.
// lookup is os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvBrokerURL, &c.Broker.URL)
	str(EnvMqttPassword, &c.Broker.Password)
	str(EnvTLSCert, &c.Broker.TLS.CertFile)
	str(EnvTLSKey, &c.Broker.TLS.KeyFile)
	str(EnvTLSCA, &c.Broker.TLS.CAFile)
	str(EnvListen, &c.UI.Listen)
	str(EnvLogLevel, &c.Log.Level)
	if v, ok := lookup(EnvAlertPollSec); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("%s=%s", EnvAlertPollSec, v)
		}
		c.UI.AlertPollSec = n
	}
	return nil
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Topics.Data == "" {
		errs = append(errs, errors.NotValidf("config: topics.data empty"))
	}
	if c.Topics.Alert == "" {
		errs = append(errs, errors.NotValidf("config: topics.alert empty"))
	}
	if c.Topics.Data != "" && c.Topics.Data == c.Topics.Alert {
		errs = append(errs, errors.NotValidf("config: topics.data and topics.alert are same=%s", c.Topics.Data))
	}
	if _, err := c.Broker.ParseURL(); err != nil {
		errs = append(errs, errors.Annotate(err, "config"))
	}
	switch c.Broker.Driver {
	case tele_config.DriverPaho, tele_config.DriverGomqtt:
	default:
		errs = append(errs, errors.NotValidf("config: broker.driver=%s", c.Broker.Driver))
	}
	if (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		errs = append(errs, errors.NotValidf("config: broker.tls cert_file and key_file must be set together"))
	}
	if c.Broker.KeepaliveSec < 0 || c.Broker.NetworkTimeoutSec < 0 || c.Broker.ReconnectDelaySec < 0 {
		errs = append(errs, errors.NotValidf("config: broker negative duration"))
	}
	if c.UI.AlertPollSec <= 0 {
		errs = append(errs, errors.NotValidf("config: ui.alert_poll_sec=%d", c.UI.AlertPollSec))
	}
	if _, err := log2.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, errors.Annotate(err, "config: log.level"))
	}
	return helpers.FoldErrors(errs)
}
