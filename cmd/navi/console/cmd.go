// Interactive publisher acting as the cane, for testing the relay without hardware.
// Subscribes same topics as relay and shows what relay would display.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/navicane/navi/cmd/navi/subcmd"
	"github.com/navicane/navi/helpers/cli"
	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/internal/tele"
	"github.com/navicane/navi/internal/ui"
)

const (
	modName        = "console"
	publishTimeout = 5 * time.Second
)

var Mod = subcmd.Mod{Name: modName, Usage: "interactive publisher: gps, alert, raw, show", Main: Main}

var suggests = []prompt.Suggest{
	{Text: "gps", Description: "gps LAT LON - publish coordinates to data topic"},
	{Text: "alert", Description: "alert TEXT - publish alert message"},
	{Text: "raw", Description: "raw TOPIC PAYLOAD - publish payload as is"},
	{Text: "show", Description: "show last received location and alert"},
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	// must not kick the relay or the cane off the broker
	config.Broker.ClientID = "navi-console-" + uuid.NewString()[:8]
	if g.Tele == nil {
		g.Tele = tele.New(nil)
	}
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "console init")
	}
	defer g.StopWait(publishTimeout)

	g.Log.Debugf("console init complete, client_id=%s", config.Broker.ClientID)
	cli.MainLoop(modName, newExecutor(ctx), newCompleter())
	return nil
}

func newCompleter() cli.CompleteFunc {
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context) cli.ExecFunc {
	g := state.GetGlobal(ctx)
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if line == "show" {
			g.Log.Info(ui.RenderLocation(g.Store).Status)
			if a := g.Store.PeekAlert(); a.Present {
				g.Log.Infof("alert at %s: %s", a.ReceivedAt.Format("15:04:05"), a.Message)
			} else {
				g.Log.Info(ui.AlertNone)
			}
			return
		}

		topic, payload, err := parseLine(g.Config, line)
		if err != nil {
			g.Log.Error(err)
			return
		}
		pubctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := g.Tele.Publish(pubctx, topic, payload); err != nil {
			g.Error(err, "publish topic=%s", topic)
			return
		}
		g.Log.Infof("published topic=%s payload=%s", topic, payload)
	}
}

type gpsPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type alertPayload struct {
	Message string `json:"message"`
}

func parseLine(config *state.Config, line string) (string, []byte, error) {
	parts := strings.SplitN(line, " ", 2)
	cmd, rest := parts[0], ""
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "gps":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return "", nil, errors.NotValidf("usage: gps LAT LON")
		}
		lat, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return "", nil, errors.NotValidf("gps LAT=%s", fields[0])
		}
		lon, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return "", nil, errors.NotValidf("gps LON=%s", fields[1])
		}
		b, err := json.Marshal(gpsPayload{Lat: lat, Lon: lon})
		return config.Topics.Data, b, errors.Trace(err)

	case "alert":
		if rest == "" {
			return "", nil, errors.NotValidf("usage: alert TEXT")
		}
		b, err := json.Marshal(alertPayload{Message: rest})
		return config.Topics.Alert, b, errors.Trace(err)

	case "raw":
		raw := strings.SplitN(rest, " ", 2)
		if raw[0] == "" {
			return "", nil, errors.NotValidf("usage: raw TOPIC PAYLOAD")
		}
		payload := ""
		if len(raw) == 2 {
			payload = raw[1]
		}
		return raw[0], []byte(payload), nil
	}
	return "", nil, fmt.Errorf("unknown command=%s, expected one of: gps, alert, raw, show", cmd)
}
