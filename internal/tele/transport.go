package tele

import (
	"context"

	"github.com/juju/errors"
	"github.com/navicane/navi/log2"
	tele_api "github.com/navicane/navi/tele"
	tele_config "github.com/navicane/navi/tele/config"
)

// Tele transport contract:
// - Init fails only with invalid config, ignores network errors
// - subscribe to config.Subscribe on every (re)connect, before messages are expected
// - onMessage is called on transport goroutine, in broker delivery order
// - onState reports connection changes, may be called concurrently with onMessage
// - application may start without network available
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onMessage tele_api.MessageFunc, onState StateFunc) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type StateFunc func(connected bool, err error)

func newTransporter(driver string) (Transporter, error) {
	switch driver {
	case "", tele_config.DriverPaho:
		return &transportPaho{}, nil
	case tele_config.DriverGomqtt:
		return &transportGomqtt{}, nil
	}
	return nil, errors.NotSupportedf("broker.driver=%s", driver)
}
