package status

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/navicane/navi/helpers"
	"github.com/navicane/navi/internal/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStatusBody = `{
  "version": "v1.2",
  "now_utc": "2026-03-01T14:05:09Z",
  "telemetry": {
    "location": {"lat": 47.6, "lon": -122.3, "updated_utc": "2026-03-01T14:05:00Z", "age_sec": 9},
    "alert": {"message": "Fall detected", "received_at": "2026-03-01T14:04:00Z", "present": true, "unread": true}
  },
  "messages": {"received": 5, "accepted": 3, "dropped": 1, "ignored": 1},
  "broker": {"driver": "paho", "connected": true, "connects": 2, "connection_lost": 1, "published": 0}
}`

func TestURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		listen    string
		expect    string
		expectErr bool
	}{
		{"0.0.0.0:7860", "http://127.0.0.1:7860/api/status", false},
		{":8080", "http://127.0.0.1:8080/api/status", false},
		{"[::]:7860", "http://127.0.0.1:7860/api/status", false},
		{"10.0.0.5:80", "http://10.0.0.5:80/api/status", false},
		{"[fe80::1]:7860", "http://[fe80::1]:7860/api/status", false},
		{"7860", "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.listen, func(t *testing.T) {
			t.Parallel()
			u, err := URL(c.listen)
			if c.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, u)
		})
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	const url = "http://127.0.0.1:7860/api/status"

	mock := &helpers.MockHTTP{Body: []byte(testStatusBody)}
	st, err := Fetch(ctx, &http.Client{Transport: mock}, url)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET " + url}, mock.Requests())
	assert.Equal(t, "v1.2", st.Version)
	require.NotNil(t, st.Telemetry.Location)
	assert.Equal(t, 47.6, st.Telemetry.Location.Lat)
	s := Format(st)
	assert.Contains(t, s, "broker driver=paho connected=true connects=2 lost=1 published=0")
	assert.Contains(t, s, "messages received=5 accepted=3 dropped=1 ignored=1")
	assert.Contains(t, s, "location 47.600000, -122.300000 age=9s")
	assert.Contains(t, s, `alert "Fall detected" unread=true at=2026-03-01T14:04:00Z`)

	_, err = Fetch(ctx, &http.Client{Transport: &helpers.MockHTTP{Status: http.StatusServiceUnavailable}}, url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = Fetch(ctx, &http.Client{Transport: &helpers.MockHTTP{Body: []byte("<html>")}}, url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	_, err = Fetch(ctx, &http.Client{Transport: &helpers.MockHTTP{Err: errors.New("connection refused")}}, url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFormatEmpty(t *testing.T) {
	t.Parallel()

	s := Format(&web.StatusResponse{Version: "test"})
	assert.Contains(t, s, "location none")
	assert.Contains(t, s, "alert none")
}
