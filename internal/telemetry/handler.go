package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/navicane/navi/helpers/atomic_clock"
	"github.com/navicane/navi/log2"
)

type Topics struct {
	Data  string
	Alert string
}

type DropReason string

const (
	DropDecode     DropReason = "decode"
	DropIncomplete DropReason = "incomplete"
	DropPanic      DropReason = "panic"
)

// Observer receives ingest accounting, implemented by metrics.
type Observer interface {
	Accepted(topic string)
	Dropped(topic string, reason DropReason)
	Ignored(topic string)
}

type Stats struct {
	Received      uint64 `json:"received"`
	Accepted      uint64 `json:"accepted"`
	Dropped       uint64 `json:"dropped"`
	Ignored       uint64 `json:"ignored"`
	LastMessageAt string `json:"last_message_utc,omitempty"`
}

// Handler contract:
// - never returns error or panics into transport, malformed input is logged and dropped
// - data message updates coordinates only when both values are present and numeric
// - alert message always updates alert slot
// - other topics are ignored
type Handler struct {
	log      *log2.Log
	store    *Store
	topics   Topics
	observer Observer
	now      func() time.Time

	received uint64
	accepted uint64
	dropped  uint64
	ignored  uint64
	lastMsg  atomic_clock.Clock
}

func NewHandler(log *log2.Log, store *Store, topics Topics) *Handler {
	if store == nil {
		panic("code error telemetry.NewHandler store=nil")
	}
	return &Handler{
		log:    log,
		store:  store,
		topics: topics,
		now:    time.Now,
	}
}

// SetObserver must be called before first Handle.
func (h *Handler) SetObserver(o Observer) { h.observer = o }

func (h *Handler) Topics() Topics { return h.topics }

func (h *Handler) Handle(topic string, payload []byte) {
	atomic.AddUint64(&h.received, 1)
	h.lastMsg.SetNow()
	defer func() {
		if x := recover(); x != nil {
			h.log.Errorf("telemetry: handler panic topic=%s payload=%q recovered=%v", topic, payload, x)
			h.drop(topic, DropPanic)
		}
	}()
	h.log.Debugf("telemetry: message topic=%s payload=%q", topic, payload)

	switch topic {
	case h.topics.Data:
		h.handleData(topic, payload)

	case h.topics.Alert:
		h.handleAlert(topic, payload)

	default:
		atomic.AddUint64(&h.ignored, 1)
		h.log.Debugf("telemetry: ignore unexpected topic=%s", topic)
		if h.observer != nil {
			h.observer.Ignored(topic)
		}
	}
}

func (h *Handler) handleData(topic string, payload []byte) {
	record, err := decodeRecord(payload)
	if err != nil {
		h.log.Errorf("telemetry: parse message topic=%s err=%v", topic, err)
		h.drop(topic, DropDecode)
		return
	}

	lat, latErr := coordinateField(record, "lat", "latitude")
	lon, lonErr := coordinateField(record, "lon", "longitude")
	if latErr != nil || lonErr != nil {
		h.log.Infof("telemetry: payload missing lat or lon fields: %s (lat=%v lon=%v)", payload, latErr, lonErr)
		h.drop(topic, DropIncomplete)
		return
	}

	h.store.SetCoordinates(lat, lon)
	h.accept(topic)
	h.log.Infof("telemetry: updated coordinates: %v, %v", lat, lon)
}

func (h *Handler) handleAlert(topic string, payload []byte) {
	record, err := decodeRecord(payload)
	if err != nil {
		h.log.Errorf("telemetry: parse message topic=%s err=%v", topic, err)
		h.drop(topic, DropDecode)
		return
	}

	text := alertText(record, payload)
	h.store.SetAlert(text, h.now())
	h.accept(topic)
	h.log.Infof("telemetry: new alert: %s", text)
}

func (h *Handler) accept(topic string) {
	atomic.AddUint64(&h.accepted, 1)
	if h.observer != nil {
		h.observer.Accepted(topic)
	}
}

func (h *Handler) drop(topic string, reason DropReason) {
	atomic.AddUint64(&h.dropped, 1)
	if h.observer != nil {
		h.observer.Dropped(topic, reason)
	}
}

func (h *Handler) Stats() Stats {
	s := Stats{
		Received: atomic.LoadUint64(&h.received),
		Accepted: atomic.LoadUint64(&h.accepted),
		Dropped:  atomic.LoadUint64(&h.dropped),
		Ignored:  atomic.LoadUint64(&h.ignored),
	}
	if !h.lastMsg.IsZero() {
		s.LastMessageAt = h.lastMsg.Time().UTC().Format(time.RFC3339Nano)
	}
	return s
}

// decodeRecord accepts only UTF-8 JSON object.
func decodeRecord(payload []byte) (map[string]interface{}, error) {
	if !utf8.Valid(payload) {
		return nil, errors.NotValidf("payload utf-8")
	}
	d := json.NewDecoder(bytes.NewReader(payload))
	d.UseNumber()
	var x interface{}
	if err := d.Decode(&x); err != nil {
		return nil, errors.Annotate(err, "json")
	}
	if d.More() {
		return nil, errors.NotValidf("json trailing data")
	}
	record, ok := x.(map[string]interface{})
	if !ok {
		return nil, errors.NotValidf("json %T, expected object", x)
	}
	return record, nil
}

// coordinateField looks up primary key, alias only when primary key is absent.
// Accepted values are JSON numbers and numeric strings (surrounding spaces allowed).
// Stricter than generic float coercion: booleans, arrays, objects
// and non-finite results (NaN, Inf, overflow) are rejected.
func coordinateField(record map[string]interface{}, key, alias string) (float64, error) {
	v, ok := record[key]
	if !ok {
		v, ok = record[alias]
	}
	if !ok || v == nil {
		return 0, errors.NotFoundf("%s", key)
	}

	var f float64
	var err error
	switch x := v.(type) {
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, errors.NotValidf("%s type %T", key, v)
	}
	if err != nil {
		return 0, errors.NotValidf("%s=%v", key, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.NotValidf("%s=%v non-finite", key, v)
	}
	return f, nil
}

// alertText prefers "message" field, falls back to whole payload text.
func alertText(record map[string]interface{}, payload []byte) string {
	v, ok := record["message"]
	if !ok || v == nil {
		return string(payload)
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return string(payload)
		}
		return string(b)
	}
}
