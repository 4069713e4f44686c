package serve

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/navicane/navi/cmd/navi/subcmd"
	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/internal/tele"
	"github.com/navicane/navi/internal/web"
)

var Mod = subcmd.Mod{Name: "serve", Usage: "MQTT relay with web dashboard", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	metrics := tele.NewMetrics()
	g.Log.SetErrorFunc(metrics.LogError)
	g.Observer = metrics
	if g.Tele == nil {
		g.Tele = tele.New(metrics)
	}
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "serve init")
	}

	h := web.Handler(g, web.Options{
		Logs:    web.GetLogs(ctx),
		Metrics: metrics.Handler(),
	})
	err := serveWeb(ctx, g, config.UI.Listen, h)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.StopWait(5 * time.Second)
	return err
}

// serveWeb runs web server as Alive task, g.Stop() or ctx cancel shuts it down.
// StopWait returns after server shutdown completes.
func serveWeb(ctx context.Context, g *state.Global, listen string, h http.Handler) error {
	if !g.Alive.Add(1) {
		return errors.Errorf("serve: stopped before web listen")
	}
	defer g.Alive.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			g.Log.Infof("web stop requested")
			cancel()
		case <-ctx.Done():
		}
	}()
	return web.Serve(ctx, listen, h, func(addr net.Addr) {
		g.Log.Infof("web listen=%s", addr)
		subcmd.SdNotify(daemon.SdNotifyReady)
	})
}
