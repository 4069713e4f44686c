package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/navicane/navi/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer(t *testing.T) {
	t.Parallel()

	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("one\ntw"))
	lines, dropped := b.Snapshot(0)
	assert.Equal(t, []string{"one"}, lines)
	assert.Equal(t, uint64(0), dropped)

	_, _ = b.Write([]byte("o\r\n\nthree\nfour\n"))
	lines, dropped = b.Snapshot(10)
	assert.Equal(t, []string{"two", "three", "four"}, lines)
	assert.Equal(t, uint64(1), dropped)

	lines, _ = b.Snapshot(1)
	assert.Equal(t, []string{"four"}, lines)
}

func TestLogBufferRing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		max     int
		writes  int
		tail    int
		expect  []string
		dropped uint64
	}{
		{"empty", 3, 0, 0, []string{}, 0},
		{"partial-fill", 4, 2, 0, []string{"line 1", "line 2"}, 0},
		{"exact-fill", 3, 3, 0, []string{"line 1", "line 2", "line 3"}, 0},
		{"wrap-once", 3, 4, 0, []string{"line 2", "line 3", "line 4"}, 1},
		{"wrap-many", 3, 11, 0, []string{"line 9", "line 10", "line 11"}, 8},
		{"wrap-many-tail", 3, 11, 2, []string{"line 10", "line 11"}, 8},
		{"single-slot", 1, 5, 0, []string{"line 5"}, 4},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b := NewLogBuffer(c.max)
			for i := 1; i <= c.writes; i++ {
				_, _ = fmt.Fprintf(b, "line %d\n", i)
			}
			lines, dropped := b.Snapshot(c.tail)
			assert.Equal(t, c.expect, lines)
			assert.Equal(t, c.dropped, dropped)
		})
	}
}

func TestLogBufferAsLogWriter(t *testing.T) {
	t.Parallel()

	b := NewLogBuffer(0)
	log := log2.NewWriter(b, log2.LInfo)
	log.Infof("tele started broker=%s", "tls://broker:8883")
	log.Debugf("hidden")
	lines, _ := b.Snapshot(0)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "tele started broker=tls://broker:8883")
}

func TestLogBufferHandler(t *testing.T) {
	t.Parallel()

	b := NewLogBuffer(10)
	for i := 1; i <= 5; i++ {
		_, _ = fmt.Fprintf(b, "line %d\n", i)
	}
	h := b.Handler()

	cases := []struct {
		name   string
		query  string
		status int
		check  func(testing.TB, *httptest.ResponseRecorder)
	}{
		{"json-default", "", http.StatusOK, func(t testing.TB, w *httptest.ResponseRecorder) {
			var resp LogsResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Len(t, resp.Lines, 5)
			assert.NotEmpty(t, resp.NowUTC)
		}},
		{"json-tail", "?tail=2", http.StatusOK, func(t testing.TB, w *httptest.ResponseRecorder) {
			var resp LogsResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, []string{"line 4", "line 5"}, resp.Lines)
		}},
		{"text", "?tail=1&format=text", http.StatusOK, func(t testing.TB, w *httptest.ResponseRecorder) {
			assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "line 5\n", w.Body.String())
		}},
		{"tail-zero", "?tail=0", http.StatusBadRequest, nil},
		{"tail-huge", "?tail=5001", http.StatusBadRequest, nil},
		{"tail-junk", "?tail=all", http.StatusBadRequest, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/logs"+c.query, nil))
			require.Equal(t, c.status, w.Code, w.Body.String())
			if c.check != nil {
				c.check(t, w)
			}
		})
	}
}
