package tele

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/navicane/navi/helpers"
	"github.com/navicane/navi/log2"
	tele_api "github.com/navicane/navi/tele"
	tele_config "github.com/navicane/navi/tele/config"
)

const pahoQOS byte = 1

const pahoProtocolVersion = 4 // MQTT 3.1.1

// paho loggers are package global, they forward to log of the latest Init.
var (
	pahoLogOnce sync.Once
	pahoLogDst  atomic.Value // pahoLogTarget
)

type pahoLogTarget struct {
	log   *log2.Log
	debug bool
}

// pahoLogger implements mqtt.Logger for one paho level.
// ERROR and CRITICAL are written as errors, WARN as info.
type pahoLogger log2.Level

func setPahoLog(log *log2.Log, debug bool) {
	pahoLogDst.Store(pahoLogTarget{log: log, debug: debug})
	pahoLogOnce.Do(func() {
		mqtt.ERROR = pahoLogger(log2.LError)
		mqtt.CRITICAL = pahoLogger(log2.LError)
		mqtt.WARN = pahoLogger(log2.LInfo)
		mqtt.DEBUG = pahoLogger(log2.LDebug)
	})
}

func (self pahoLogger) Println(v ...interface{}) {
	if dst, ok := self.target(); ok {
		dst.output(log2.Level(self), strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
	}
}
func (self pahoLogger) Printf(format string, v ...interface{}) {
	if dst, ok := self.target(); ok {
		dst.output(log2.Level(self), fmt.Sprintf(format, v...))
	}
}

func (self pahoLogger) target() (pahoLogTarget, bool) {
	dst, _ := pahoLogDst.Load().(pahoLogTarget)
	level := log2.Level(self)
	if level == log2.LDebug && !dst.debug {
		return dst, false
	}
	return dst, dst.log.Enabled(level)
}

func (self pahoLogTarget) output(level log2.Level, s string) {
	switch level {
	case log2.LError:
		self.log.Logf(level, "error: paho %s", s)
	case log2.LDebug:
		self.log.Logf(level, "debug: paho %s", s)
	default:
		self.log.Logf(level, "paho %s", s)
	}
}

type transportPaho struct {
	log       *log2.Log
	onMessage tele_api.MessageFunc
	onState   StateFunc
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	filters   map[string]byte
	timeout   time.Duration
}

func (self *transportPaho) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onMessage tele_api.MessageFunc, onState StateFunc) error {
	self.log = log
	self.onMessage = onMessage
	self.onState = onState
	setPahoLog(log, teleConfig.LogDebug)

	u, err := teleConfig.ParseURL()
	if err != nil {
		return errors.Annotate(err, "tele paho")
	}
	tlsconf, err := tlsConfig(&teleConfig)
	if err != nil {
		return errors.Annotate(err, "tele paho")
	}
	username, password := teleConfig.Username, teleConfig.Password
	if u.User != nil && username == "" {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	u.User = nil

	self.filters = make(map[string]byte, len(teleConfig.Subscribe))
	for _, topic := range teleConfig.Subscribe {
		self.filters[topic] = pahoQOS
	}
	keepAlive := helpers.IntSecondDefault(teleConfig.KeepaliveSec, 60*time.Second)
	self.timeout = helpers.IntSecondDefault(teleConfig.NetworkTimeoutSec, DefaultNetworkTimeout)
	retryInterval := helpers.IntSecondDefault(teleConfig.ReconnectDelaySec, DefaultReconnectDelay)

	self.mopt = mqtt.NewClientOptions().
		AddBroker(u.String()).
		SetCleanSession(true).
		// explicit version, otherwise paho reports rejected CONNACK only at DEBUG
		SetProtocolVersion(pahoProtocolVersion).
		SetClientID(teleConfig.ClientID).
		SetUsername(username).
		SetPassword(password).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(keepAlive).
		SetPingTimeout(self.timeout).
		SetConnectTimeout(self.timeout).
		SetWriteTimeout(self.timeout).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(retryInterval * 10).
		SetConnectRetryInterval(retryInterval).
		SetConnectRetry(true).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler).
		SetReconnectingHandler(self.reconnectingHandler)
	if tlsconf != nil {
		self.mopt.SetTLSConfig(tlsconf)
	}
	self.m = mqtt.NewClient(self.mopt)
	self.log.Infof("mqtt connecting broker=%s client=%s", u.String(), teleConfig.ClientID)
	// with ConnectRetry token completes only on success or Disconnect,
	// failed attempts are reported by paho ERROR logger
	go self.watchConnect(self.m.Connect())
	return nil
}

func (self *transportPaho) watchConnect(token mqtt.Token) {
	<-token.Done()
	if err := token.Error(); err != nil {
		err = errors.Annotate(err, "mqtt connect")
		self.log.Error(err)
		self.onState(false, err)
	}
}

func (self *transportPaho) Close() error {
	if self.m == nil {
		return nil
	}
	self.log.Infof("mqtt disconnect")
	self.m.Disconnect(250)
	return nil
}

func (self *transportPaho) Publish(ctx context.Context, topic string, payload []byte) error {
	if self.m == nil || !self.m.IsConnectionOpen() {
		return tele_api.ErrNotConnected
	}
	token := self.m.Publish(topic, pahoQOS, false, payload)
	select {
	case <-token.Done():
		return errors.Annotatef(token.Error(), "mqtt publish topic=%s", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *transportPaho) messageHandler(c mqtt.Client, msg mqtt.Message) {
	self.log.Debugf("mqtt message topic=%s payload=%q", msg.Topic(), msg.Payload())
	self.onMessage(msg.Topic(), msg.Payload())
}

func (self *transportPaho) connectLostHandler(c mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
	self.onState(false, err)
}

func (self *transportPaho) reconnectingHandler(c mqtt.Client, opt *mqtt.ClientOptions) {
	self.log.Infof("mqtt reconnecting")
}

// called on every successful (re)connect, clean session requires subscribe again
func (self *transportPaho) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connected")
	token := c.SubscribeMultiple(self.filters, nil)
	if !token.WaitTimeout(self.timeout) {
		err := errors.Timeoutf("mqtt subscribe")
		self.log.Error(err)
		self.onState(false, err)
		return
	}
	if err := token.Error(); err != nil {
		err = errors.Annotate(err, "mqtt subscribe")
		self.log.Error(err)
		self.onState(false, err)
		return
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				err := fmt.Errorf("mqtt subscribe topic=%s rejected by broker", topic)
				self.log.Error(err)
				self.onState(false, err)
				return
			}
		}
	}
	self.log.Infof("mqtt subscribed topics=%v", self.topics())
	self.onState(true, nil)
}

func (self *transportPaho) topics() []string {
	ts := make([]string, 0, len(self.filters))
	for t := range self.filters {
		ts = append(ts, t)
	}
	return ts
}
