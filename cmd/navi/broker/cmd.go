// Development MQTT broker, stand-in for the cloud endpoint.
// Use together with `navi console` and broker.url=tcp://127.0.0.1:1883
package broker

import (
	"context"

	"github.com/256dpi/gomqtt/packet"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/navicane/navi/cmd/navi/subcmd"
	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/log2"
	"github.com/navicane/navi/tele/mqtt"
)

var Mod = subcmd.Mod{Name: "broker", Usage: "development MQTT broker", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if lv, err := log2.ParseLevel(config.Log.Level); err == nil {
		g.Log.SetLevel(lv)
	}

	s, err := Start(ctx, g.Log, config.DevBroker)
	if err != nil {
		return err
	}
	g.Log.Infof("broker listen=%v", s.Addrs())
	subcmd.SdNotify(daemon.SdNotifyReady)

	<-ctx.Done()
	g.Log.Infof("broker stopping clients=%v published=%d", s.Clients(), s.Published())
	return s.Close()
}

func Start(ctx context.Context, log *log2.Log, config state.DevBrokerConfig) (*mqtt.Server, error) {
	auth := mqtt.AuthAllowAll
	if len(config.Users) != 0 {
		auth = mqtt.AuthFromMap(config.Users)
	}
	s := mqtt.NewServer(mqtt.ServerOptions{
		Log: log,
		OnAuth: func(ctx context.Context, opt *mqtt.BackendOptions, pkt *packet.Connect) (bool, error) {
			ok, err := auth(ctx, opt, pkt)
			log.Infof("broker connect client=%s username=%s ok=%t", pkt.ClientID, pkt.Username, ok)
			return ok, err
		},
		OnClose: func(clientID string, clean bool, e error) {
			log.Infof("broker disconnect client=%s clean=%t err=%v", clientID, clean, e)
		},
	})

	lopts := make([]*mqtt.BackendOptions, len(config.Listen))
	for i, u := range config.Listen {
		lopts[i] = &mqtt.BackendOptions{URL: u}
	}
	if err := s.Listen(ctx, lopts); err != nil {
		_ = s.Close()
		return nil, errors.Annotate(err, "broker")
	}
	return s, nil
}
