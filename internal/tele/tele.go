package tele

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/navicane/navi/log2"
	tele_api "github.com/navicane/navi/tele"
	tele_config "github.com/navicane/navi/tele/config"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

// Tele contract:
// - Init() fails only with invalid config, network issues are logged and retried in background
// - both subscriptions are renewed on every reconnect
// - onMessage is never called after Close() returns
// - Stat() and Publish() are safe for concurrent use
type tele struct { //nolint:maligned
	config    tele_config.Config
	log       *log2.Log
	metrics   *Metrics
	transport Transporter

	dispatchmu sync.RWMutex
	closed     bool
	onMessage  tele_api.MessageFunc

	statmu sync.Mutex
	stat   tele_api.Stat
}

// New returns relay connection, metrics may be nil.
func New(metrics *Metrics) tele_api.Teler {
	return &tele{metrics: metrics}
}
func NewWithTransporter(trans Transporter, metrics *Metrics) tele_api.Teler {
	return &tele{transport: trans, metrics: metrics}
}

func (self *tele) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onMessage tele_api.MessageFunc) error {
	self.config = teleConfig
	self.log = log
	if onMessage == nil {
		return errors.NotValidf("code error tele onMessage=nil")
	}
	if len(teleConfig.Subscribe) == 0 {
		return errors.NotValidf("tele subscribe list empty")
	}
	self.onMessage = onMessage

	driver := teleConfig.Driver
	if driver == "" {
		driver = tele_config.DriverPaho
	}
	self.stat.Driver = driver
	// test code sets .transport
	if self.transport == nil { // production path
		var err error
		if self.transport, err = newTransporter(driver); err != nil {
			return errors.Annotate(err, "tele transport")
		}
	}
	if err := self.transport.Init(ctx, log, teleConfig, self.dispatch, self.connState); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	return nil
}

func (self *tele) Close() {
	self.dispatchmu.Lock()
	already := self.closed
	self.closed = true
	self.dispatchmu.Unlock()
	if already || self.transport == nil {
		return
	}
	if err := self.transport.Close(); err != nil {
		self.log.Error(errors.Annotate(err, "tele close"))
	}
}

func (self *tele) Publish(ctx context.Context, topic string, payload []byte) error {
	self.dispatchmu.RLock()
	closed := self.closed
	self.dispatchmu.RUnlock()
	if closed || self.transport == nil {
		return tele_api.ErrNotConnected
	}
	if err := self.transport.Publish(ctx, topic, payload); err != nil {
		return err
	}
	self.statmu.Lock()
	self.stat.Published++
	self.statmu.Unlock()
	self.metrics.publish()
	return nil
}

func (self *tele) Stat() tele_api.Stat {
	self.statmu.Lock()
	defer self.statmu.Unlock()
	return self.stat
}

func (self *tele) dispatch(topic string, payload []byte) {
	self.dispatchmu.RLock()
	defer self.dispatchmu.RUnlock()
	if self.closed {
		self.log.Debugf("tele closed, discard topic=%s", topic)
		return
	}
	self.onMessage(topic, payload)
}

func (self *tele) connState(connected bool, err error) {
	self.statmu.Lock()
	was := self.stat.Connected
	self.stat.Connected = connected
	if connected {
		self.stat.Connects++
		self.stat.LastConnectUTC = time.Now().UTC().Format(time.RFC3339)
	} else if was {
		self.stat.ConnectionLost++
	}
	if err != nil {
		self.stat.LastError = err.Error()
	}
	self.statmu.Unlock()

	if connected || was {
		self.metrics.connState(connected)
	}
	if connected {
		self.log.Infof("tele connected driver=%s subscribed=%v", self.stat.Driver, self.config.Subscribe)
	} else if was {
		self.log.Infof("tele disconnected err=%v", err)
	}
}
