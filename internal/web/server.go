// Package web serves the NAVI dashboard and its JSON API.
package web

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/internal/telemetry"
	"github.com/navicane/navi/internal/ui"
	tele_api "github.com/navicane/navi/tele"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	StatusInitial = "Click 'Refresh from MQTT' to load the latest coordinates"
	AlertWaiting  = "Waiting for alerts..."

	qrSize          = 256
	shutdownTimeout = 3 * time.Second
)

//go:embed templates/index.html
var templatesFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

type Options struct {
	Logs    *LogBuffer   // nil disables /api/logs
	Metrics http.Handler // nil disables /metrics
}

type indexData struct {
	Title         string
	Status        string
	Alert         string
	AlertPollMsec int
}

type AlertResponse struct {
	Text string `json:"text"`
}

type StatusResponse struct {
	Version   string             `json:"version"`
	NowUTC    string             `json:"now_utc"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
	Messages  telemetry.Stats    `json:"messages"`
	Broker    tele_api.Stat      `json:"broker"`
}

// Handler requires initialized Global.
func Handler(g *state.Global, opt Options) http.Handler {
	cfg := g.Config.UI
	render := ui.NewRenderer(g.Store, ui.Options{MapDelta: cfg.MapDelta, MapZoom: cfg.MapZoom})
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		var buf bytes.Buffer
		err := indexTemplate.Execute(&buf, indexData{
			Title:         cfg.Title,
			Status:        StatusInitial,
			Alert:         AlertWaiting,
			AlertPollMsec: cfg.AlertPollSec * 1000,
		})
		if err != nil {
			g.Error(err, "web index template")
			http.Error(w, "template failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("/api/location", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, render.RenderLocation())
	})

	mux.HandleFunc("/api/location/qr.png", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		c, ok := g.Store.Coordinates()
		if !ok {
			http.Error(w, "no location", http.StatusNotFound)
			return
		}
		png, err := qrcode.Encode(ui.DirectionsURL(c.Lat, c.Lon), qrcode.Medium, qrSize)
		if err != nil {
			g.Error(err, "web qrcode")
			http.Error(w, "qrcode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
	})

	// consuming read, unread alert is reported as new exactly once
	mux.HandleFunc("/api/alert", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, AlertResponse{Text: render.RenderAlert()})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		now := time.Now().UTC()
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, StatusResponse{
			Version:   g.BuildVersion,
			NowUTC:    now.Format(time.RFC3339Nano),
			Telemetry: g.Store.Snapshot(now),
			Messages:  g.Handler.Stats(),
			Broker:    g.Tele.Stat(),
		})
	})

	if opt.Logs != nil {
		mux.Handle("/api/logs", opt.Logs.Handler())
	}
	if opt.Metrics != nil {
		mux.Handle("/metrics", opt.Metrics)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	return loggingMiddleware(g.Log, securityHeaders(mux))
}

// Serve blocks until ctx is done or listen fails.
// onListen (optional) is called with bound address before serving.
func Serve(ctx context.Context, listenAddr string, h http.Handler, onListen func(net.Addr)) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errors.Annotatef(err, "web listen=%s", listenAddr)
	}
	if onListen != nil {
		onListen(ln.Addr())
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Annotate(err, "web serve")
	}
}
