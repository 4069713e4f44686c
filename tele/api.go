package tele

import (
	"context"
	"fmt"
	"sync"

	"github.com/navicane/navi/log2"
	tele_config "github.com/navicane/navi/tele/config"
)

var (
	ErrUnexpectedPacket = fmt.Errorf("unexpected packet")
	ErrNotAuthorized    = fmt.Errorf("not authorized")
	ErrNotConnected     = fmt.Errorf("not connected")
)

// MessageFunc is called on transport goroutine for every received message.
// Must not block for long.
type MessageFunc func(topic string, payload []byte)

// Teler is MQTT relay connection, device telemetry side.
// Contract:
// - Init fails only with invalid config, network issues are logged and retried in background
// - subscriptions listed in config are renewed on every (re)connect
// - onMessage is never called after Close returns
type Teler interface {
	Init(ctx context.Context, log *log2.Log, config tele_config.Config, onMessage MessageFunc) error
	Close()
	Publish(ctx context.Context, topic string, payload []byte) error
	Stat() Stat
}

// Stat is connection accounting snapshot.
type Stat struct {
	Driver         string `json:"driver"`
	Connected      bool   `json:"connected"`
	Connects       uint32 `json:"connects"`
	ConnectionLost uint32 `json:"connection_lost"`
	Published      uint32 `json:"published"`
	LastError      string `json:"last_error,omitempty"`
	LastConnectUTC string `json:"last_connect_utc,omitempty"`
}

type Noop struct{}

var _ Teler = Noop{} // compile-time interface test

func (Noop) Init(context.Context, *log2.Log, tele_config.Config, MessageFunc) error { return nil }
func (Noop) Close()                                                                {}
func (Noop) Publish(context.Context, string, []byte) error                         { return ErrNotConnected }
func (Noop) Stat() Stat                                                            { return Stat{Driver: "noop"} }

// Stub records published messages and lets tests inject received ones with Deliver.
type Stub struct {
	mu        sync.Mutex
	config    tele_config.Config
	onMessage MessageFunc
	Published []StubMessage
}

type StubMessage struct {
	Topic   string
	Payload []byte
}

var _ Teler = &Stub{}

func NewStub() *Stub { return &Stub{} }

func (self *Stub) Init(_ context.Context, _ *log2.Log, config tele_config.Config, onMessage MessageFunc) error {
	self.mu.Lock()
	self.config = config
	self.onMessage = onMessage
	self.mu.Unlock()
	return nil
}

func (self *Stub) Close() {
	self.mu.Lock()
	self.onMessage = nil
	self.mu.Unlock()
}

func (self *Stub) Publish(_ context.Context, topic string, payload []byte) error {
	self.mu.Lock()
	self.Published = append(self.Published, StubMessage{Topic: topic, Payload: payload})
	self.mu.Unlock()
	return nil
}

func (self *Stub) Stat() Stat {
	self.mu.Lock()
	defer self.mu.Unlock()
	return Stat{Driver: "stub", Connected: self.onMessage != nil, Published: uint32(len(self.Published))}
}

// Config returns what Init received.
func (self *Stub) Config() tele_config.Config {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.config
}

// Deliver simulates message from broker on subscribed topic.
func (self *Stub) Deliver(topic string, payload []byte) {
	self.mu.Lock()
	f := self.onMessage
	self.mu.Unlock()
	if f != nil {
		f(topic, payload)
	}
}
