package tele

import (
	"context"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/navicane/navi/helpers"
	"github.com/navicane/navi/log2"
	tele_api "github.com/navicane/navi/tele"
	tele_config "github.com/navicane/navi/tele/config"
	"github.com/navicane/navi/tele/mqtt"
)

type transportGomqtt struct {
	log  *log2.Log
	mqtt *mqtt.Client
}

func (self *transportGomqtt) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onMessage tele_api.MessageFunc, onState StateFunc) error {
	self.log = log

	u, err := teleConfig.ParseURL()
	if err != nil {
		return errors.Annotate(err, "tele gomqtt")
	}
	switch u.Scheme {
	case "mqtt":
		u.Scheme = "tcp"
	case "mqtts":
		u.Scheme = "tls"
	}
	tlsconf, err := tlsConfig(&teleConfig)
	if err != nil {
		return errors.Annotate(err, "tele gomqtt")
	}

	networkTimeout := helpers.IntSecondDefault(teleConfig.NetworkTimeoutSec, DefaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	reconnectDelay := helpers.IntSecondDefault(teleConfig.ReconnectDelaySec, DefaultReconnectDelay)

	subs := make([]packet.Subscription, 0, len(teleConfig.Subscribe))
	for _, topic := range teleConfig.Subscribe {
		subs = append(subs, packet.Subscription{Topic: topic, QOS: packet.QOSAtLeastOnce})
	}
	self.mqtt, err = mqtt.NewClient(mqtt.ClientOptions{
		Log:            log,
		BrokerURL:      u.String(),
		TLS:            tlsconf,
		KeepaliveSec:   uint16(teleConfig.KeepaliveSec),
		NetworkTimeout: networkTimeout,
		ClientID:       teleConfig.ClientID,
		Username:       teleConfig.Username,
		Password:       teleConfig.Password,
		ReconnectDelay: reconnectDelay,
		Subscriptions:  subs,
		OnMessage: func(msg *packet.Message) error {
			onMessage(msg.Topic, msg.Payload)
			return nil
		},
		OnState: onState,
	})
	return errors.Annotatef(err, "tele gomqtt init")
}

func (self *transportGomqtt) Close() error {
	if self.mqtt == nil {
		return nil
	}
	return self.mqtt.Close()
}

func (self *transportGomqtt) Publish(ctx context.Context, topic string, payload []byte) error {
	if self.mqtt == nil {
		return tele_api.ErrNotConnected
	}
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}
	if err := self.mqtt.Publish(ctx, msg); err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	return nil
}
