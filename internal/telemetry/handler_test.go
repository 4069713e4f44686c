package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/navicane/navi/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTopicData  = "test/data"
	testTopicAlert = "device/NaviCane/alerts"
)

type recordObserver struct {
	sync.Mutex
	accepted []string
	dropped  []DropReason
	ignored  []string
}

func (o *recordObserver) Accepted(topic string) {
	o.Lock()
	o.accepted = append(o.accepted, topic)
	o.Unlock()
}
func (o *recordObserver) Dropped(topic string, reason DropReason) {
	o.Lock()
	o.dropped = append(o.dropped, reason)
	o.Unlock()
}
func (o *recordObserver) Ignored(topic string) {
	o.Lock()
	o.ignored = append(o.ignored, topic)
	o.Unlock()
}

type henv struct {
	h     *Handler
	store *Store
	obs   *recordObserver
}

func newHandlerEnv(t testing.TB) *henv {
	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	store := NewStore()
	h := NewHandler(log, store, Topics{Data: testTopicData, Alert: testTopicAlert})
	obs := &recordObserver{}
	h.SetObserver(obs)
	return &henv{h: h, store: store, obs: obs}
}

func TestHandleData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		before  *Coordinates
		payload string
		expect  *Coordinates // nil means unchanged
		reason  DropReason
	}{
		{name: "lat-lon", payload: `{"lat": 40.7, "lon": -74.0}`, expect: &Coordinates{40.7, -74.0}},
		{name: "aliases", payload: `{"latitude": 51.5, "longitude": -0.12}`, expect: &Coordinates{51.5, -0.12}},
		{name: "mixed-alias", payload: `{"lat": 1, "longitude": 2}`, expect: &Coordinates{1, 2}},
		{name: "integers", payload: `{"lat": 10, "lon": 20}`, expect: &Coordinates{10, 20}},
		{name: "numeric-strings", payload: `{"lat": "12.5", "lon": " -3.25 "}`, expect: &Coordinates{12.5, -3.25}},
		{name: "extra-fields", payload: `{"lat": 1.5, "lon": 2.5, "speed": 3, "device": "cane"}`, expect: &Coordinates{1.5, 2.5}},
		{name: "missing-lon-first", payload: `{"latitude": 1.0}`, reason: DropIncomplete},
		{name: "missing-lon-keeps-prior", before: &Coordinates{5, 6}, payload: `{"latitude": 1.0}`, reason: DropIncomplete},
		{name: "missing-lat", before: &Coordinates{5, 6}, payload: `{"lon": 1.0}`, reason: DropIncomplete},
		{name: "null-primary-hides-alias", before: &Coordinates{5, 6}, payload: `{"lat": null, "latitude": 1, "lon": 2}`, reason: DropIncomplete},
		{name: "not-numeric", before: &Coordinates{5, 6}, payload: `{"lat": "north", "lon": 2}`, reason: DropIncomplete},
		{name: "bool", before: &Coordinates{5, 6}, payload: `{"lat": true, "lon": 2}`, reason: DropIncomplete},
		{name: "bool-false", before: &Coordinates{5, 6}, payload: `{"lat": 1, "lon": false}`, reason: DropIncomplete},
		{name: "bool-string", before: &Coordinates{5, 6}, payload: `{"lat": "true", "lon": 2}`, reason: DropIncomplete},
		{name: "non-finite", before: &Coordinates{5, 6}, payload: `{"lat": "NaN", "lon": 2}`, reason: DropIncomplete},
		{name: "infinity-string", before: &Coordinates{5, 6}, payload: `{"lat": 1, "lon": "-Infinity"}`, reason: DropIncomplete},
		{name: "inf-string", before: &Coordinates{5, 6}, payload: `{"lat": "inf", "lon": 2}`, reason: DropIncomplete},
		{name: "overflow", before: &Coordinates{5, 6}, payload: `{"lat": 1e400, "lon": 2}`, reason: DropIncomplete},
		{name: "array-value", before: &Coordinates{5, 6}, payload: `{"lat": [1], "lon": 2}`, reason: DropIncomplete},
		{name: "bad-lon-no-partial", before: &Coordinates{5, 6}, payload: `{"lat": 7, "lon": "x"}`, reason: DropIncomplete},
		{name: "not-json", before: &Coordinates{5, 6}, payload: `lat=1 lon=2`, reason: DropDecode},
		{name: "json-array", before: &Coordinates{5, 6}, payload: `[1, 2]`, reason: DropDecode},
		{name: "invalid-utf8", before: &Coordinates{5, 6}, payload: "{\"lat\": 1, \"lon\": \xff}", reason: DropDecode},
		{name: "trailing", before: &Coordinates{5, 6}, payload: `{"lat": 1, "lon": 2} {}`, reason: DropDecode},
		{name: "empty", payload: ``, reason: DropDecode},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newHandlerEnv(t)
			if c.before != nil {
				env.store.SetCoordinates(c.before.Lat, c.before.Lon)
			}

			assert.NotPanics(t, func() { env.h.Handle(testTopicData, []byte(c.payload)) })

			got, ok := env.store.Coordinates()
			switch {
			case c.expect != nil:
				require.True(t, ok)
				assert.Equal(t, *c.expect, got)
				assert.Equal(t, []string{testTopicData}, env.obs.accepted)
			case c.before != nil:
				require.True(t, ok)
				assert.Equal(t, *c.before, got)
			default:
				assert.False(t, ok)
			}
			if c.reason != "" {
				assert.Equal(t, []DropReason{c.reason}, env.obs.dropped)
				assert.Empty(t, env.obs.accepted)
			}
		})
	}
}

func TestHandleAlert(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
		expect  string
		reason  DropReason
	}{
		{name: "message", payload: `{"message": "Obstacle detected"}`, expect: "Obstacle detected"},
		{name: "no-message-key", payload: `{"type": "fall"}`, expect: `{"type": "fall"}`},
		{name: "null-message", payload: `{"message": null}`, expect: `{"message": null}`},
		{name: "number-message", payload: `{"message": 42}`, expect: "42"},
		{name: "object-message", payload: `{"message": {"code": 7}}`, expect: `{"code":7}`},
		{name: "unicode", payload: `{"message": "Препятствие"}`, expect: "Препятствие"},
		{name: "not-json", payload: `help!`, reason: DropDecode},
		{name: "json-string", payload: `"help"`, reason: DropDecode},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newHandlerEnv(t)
			before := time.Now()

			assert.NotPanics(t, func() { env.h.Handle(testTopicAlert, []byte(c.payload)) })

			if c.reason != "" {
				assert.False(t, env.store.PeekAlert().Present)
				assert.Equal(t, []DropReason{c.reason}, env.obs.dropped)
				return
			}
			first := env.store.ConsumeAlert()
			assert.True(t, first.Present)
			assert.True(t, first.Unread)
			assert.Equal(t, c.expect, first.Message)
			assert.WithinDuration(t, before, first.ReceivedAt, time.Second)

			second := env.store.ConsumeAlert()
			assert.False(t, second.Unread)
			assert.Equal(t, c.expect, second.Message)
		})
	}
}

func TestHandleAlertUnreadOncePerMessage(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	for i := 0; i < 3; i++ {
		env.h.Handle(testTopicAlert, []byte(`{"message": "m"}`))
		assert.True(t, env.store.ConsumeAlert().Unread)
		assert.False(t, env.store.ConsumeAlert().Unread)
		assert.False(t, env.store.ConsumeAlert().Unread)
	}
}

func TestHandleMalformedKeepsState(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.h.Handle(testTopicData, []byte(`{"lat": 1, "lon": 2}`))
	env.h.Handle(testTopicAlert, []byte(`{"message": "ok"}`))
	_ = env.store.ConsumeAlert()

	for _, topic := range []string{testTopicData, testTopicAlert} {
		env.h.Handle(topic, []byte{0x00, 0xfe, 0xff})
	}
	c, ok := env.store.Coordinates()
	require.True(t, ok)
	assert.Equal(t, Coordinates{1, 2}, c)
	v := env.store.ConsumeAlert()
	assert.Equal(t, "ok", v.Message)
	assert.False(t, v.Unread)
}

func TestHandleUnknownTopic(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.h.Handle("other/topic", []byte(`{"lat": 1, "lon": 2}`))
	_, ok := env.store.Coordinates()
	assert.False(t, ok)
	assert.False(t, env.store.PeekAlert().Present)
	assert.Equal(t, []string{"other/topic"}, env.obs.ignored)

	stats := env.h.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Ignored)
	assert.NotEmpty(t, stats.LastMessageAt)
}

func TestHandlerStats(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	assert.Empty(t, env.h.Stats().LastMessageAt)
	env.h.Handle(testTopicData, []byte(`{"lat": 1, "lon": 2}`))
	env.h.Handle(testTopicData, []byte(`{"lat": 1}`))
	env.h.Handle(testTopicAlert, []byte(`nope`))
	s := env.h.Stats()
	assert.Equal(t, uint64(3), s.Received)
	assert.Equal(t, uint64(1), s.Accepted)
	assert.Equal(t, uint64(2), s.Dropped)
}
