// Package telemetry holds latest device values received over MQTT.
//
// Store has two independent slots, each with its own mutex:
// - coordinates: last GPS fix, both values set together or absent
// - alert: last alert text, receive time and unread flag
//
// Single writer (transport callback) and any number of readers (web handlers).
// Slot locks are never held together.
package telemetry

import (
	"sync"
	"time"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AlertView is a copy of alert slot taken under lock.
// Unread=true means this view is the first read since the alert arrived.
type AlertView struct {
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Present    bool      `json:"present"`
	Unread     bool      `json:"unread"`
}

type coordinateSlot struct {
	mu      sync.Mutex
	value   Coordinates
	set     bool
	updated time.Time
}

type alertSlot struct {
	mu         sync.Mutex
	message    string
	receivedAt time.Time
	present    bool
	unread     bool
}

type Store struct {
	coords coordinateSlot
	alert  alertSlot
}

func NewStore() *Store { return &Store{} }

// SetCoordinates overwrites both values in one critical section.
func (s *Store) SetCoordinates(lat, lon float64) {
	now := time.Now()
	s.coords.mu.Lock()
	s.coords.value = Coordinates{Lat: lat, Lon: lon}
	s.coords.set = true
	s.coords.updated = now
	s.coords.mu.Unlock()
}

// Coordinates returns consistent copy, ok=false until first SetCoordinates.
func (s *Store) Coordinates() (Coordinates, bool) {
	s.coords.mu.Lock()
	defer s.coords.mu.Unlock()
	return s.coords.value, s.coords.set
}

// SetAlert replaces previous alert even if it was never read.
func (s *Store) SetAlert(message string, at time.Time) {
	s.alert.mu.Lock()
	s.alert.message = message
	s.alert.receivedAt = at
	s.alert.present = true
	s.alert.unread = true
	s.alert.mu.Unlock()
}

// ConsumeAlert reads alert and clears unread flag under the same lock hold,
// so concurrent SetAlert is either fully before (and consumed now) or fully after (stays unread).
func (s *Store) ConsumeAlert() AlertView {
	s.alert.mu.Lock()
	defer s.alert.mu.Unlock()
	v := s.alert.viewLocked()
	s.alert.unread = false
	return v
}

// PeekAlert is like ConsumeAlert but leaves unread flag as is.
func (s *Store) PeekAlert() AlertView {
	s.alert.mu.Lock()
	defer s.alert.mu.Unlock()
	return s.alert.viewLocked()
}

func (a *alertSlot) viewLocked() AlertView {
	return AlertView{
		Message:    a.message,
		ReceivedAt: a.receivedAt,
		Present:    a.present,
		Unread:     a.unread,
	}
}

type LocationSnapshot struct {
	Coordinates
	UpdatedUTC string  `json:"updated_utc"`
	AgeSec     float64 `json:"age_sec"`
}

type Snapshot struct {
	Location *LocationSnapshot `json:"location"`
	Alert    AlertView         `json:"alert"`
}

// Snapshot reads both slots one after another without consuming alert.
func (s *Store) Snapshot(now time.Time) Snapshot {
	var snap Snapshot
	s.coords.mu.Lock()
	if s.coords.set {
		snap.Location = &LocationSnapshot{
			Coordinates: s.coords.value,
			UpdatedUTC:  s.coords.updated.UTC().Format(time.RFC3339Nano),
			AgeSec:      now.Sub(s.coords.updated).Seconds(),
		}
	}
	s.coords.mu.Unlock()
	snap.Alert = s.PeekAlert()
	return snap
}
