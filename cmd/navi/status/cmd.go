// Query running relay, useful over ssh where dashboard is not reachable.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/navicane/navi/cmd/navi/subcmd"
	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/internal/web"
)

const fetchTimeout = 5 * time.Second

var Mod = subcmd.Mod{Name: "status", Usage: "print status of running relay", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	u, err := URL(config.UI.Listen)
	if err != nil {
		return err
	}
	st, err := Fetch(ctx, http.DefaultClient, u)
	if err != nil {
		return err
	}
	g.Log.Info(Format(st))
	return nil
}

// URL of status endpoint for ui.listen address, wildcard host means localhost.
func URL(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", errors.Annotatef(err, "ui.listen=%s", listen)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/status", nil
}

func Fetch(ctx context.Context, client *http.Client, url string) (*web.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "status url=%s", url)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Annotatef(err, "status url=%s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("status url=%s http=%s", url, resp.Status)
	}
	var st web.StatusResponse
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, errors.Annotatef(err, "status url=%s decode", url)
	}
	return &st, nil
}

func Format(st *web.StatusResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "version=%s now=%s\n", st.Version, st.NowUTC)
	fmt.Fprintf(&b, "broker driver=%s connected=%t connects=%d lost=%d published=%d",
		st.Broker.Driver, st.Broker.Connected, st.Broker.Connects, st.Broker.ConnectionLost, st.Broker.Published)
	if st.Broker.LastError != "" {
		fmt.Fprintf(&b, " last_error=%q", st.Broker.LastError)
	}
	fmt.Fprintf(&b, "\nmessages received=%d accepted=%d dropped=%d ignored=%d\n",
		st.Messages.Received, st.Messages.Accepted, st.Messages.Dropped, st.Messages.Ignored)
	if loc := st.Telemetry.Location; loc != nil {
		fmt.Fprintf(&b, "location %.6f, %.6f age=%.0fs\n", loc.Lat, loc.Lon, loc.AgeSec)
	} else {
		b.WriteString("location none\n")
	}
	if a := st.Telemetry.Alert; a.Present {
		fmt.Fprintf(&b, "alert %q unread=%t at=%s", a.Message, a.Unread, a.ReceivedAt.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("alert none")
	}
	return b.String()
}
