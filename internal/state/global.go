package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/navicane/navi/internal/telemetry"
	"github.com/navicane/navi/log2"
	tele_api "github.com/navicane/navi/tele"
	"github.com/temoto/alive/v2"
)

type Global struct {
	Alive        *alive.Alive // long running tasks register with Add, watch StopChan
	BuildVersion string
	Config       *Config
	Handler      *telemetry.Handler
	Log          *log2.Log
	Observer     telemetry.Observer // optional, set before Init
	Store        *telemetry.Store
	Tele         tele_api.Teler

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log, teler tele_api.Teler) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
		Store: telemetry.NewStore(),
		Tele:  teler,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)

	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	g.Config = cfg

	g.Log.Infof("build version=%s", g.BuildVersion)
	if lv, err := log2.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		g.Log.SetLevel(lv)
	}

	g.Handler = telemetry.NewHandler(g.Log, g.Store, telemetry.Topics{
		Data:  cfg.Topics.Data,
		Alert: cfg.Topics.Alert,
	})
	if g.Observer != nil {
		g.Handler.SetObserver(g.Observer)
	}

	g.Config.Broker.Subscribe = []string{cfg.Topics.Data, cfg.Topics.Alert}
	teleLog := g.Log.Clone(log2.LInfo)
	if cfg.Broker.LogDebug {
		teleLog.SetLevel(log2.LDebug)
	}
	if g.Tele == nil {
		g.Tele = tele_api.Noop{}
	}
	if err := g.Tele.Init(ctx, teleLog, g.Config.Broker, g.Handler.Handle); err != nil {
		g.Tele = tele_api.Noop{}
		return errors.Annotate(err, "tele init")
	}
	g.Log.Infof("tele started broker=%s data=%s alert=%s", cfg.Broker.URL, cfg.Topics.Data, cfg.Topics.Alert)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

// Stop asks registered tasks to finish, returns immediately.
func (g *Global) Stop() {
	g.Alive.Stop()
}

// StopWait closes telemetry connection after all tasks are done or timeout.
func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	ok := true
	select {
	case <-g.Alive.WaitChan():
	case <-time.After(timeout):
		ok = false
	}
	if g.Tele != nil {
		g.Tele.Close()
	}
	return ok
}
