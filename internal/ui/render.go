// Package ui renders telemetry store contents for the dashboard.
// Pull model: every call reads the store at that moment, nothing is pushed.
package ui

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"github.com/navicane/navi/internal/telemetry"
)

const (
	DefaultMapDelta = 0.01
	DefaultMapZoom  = 13

	StatusWaiting     = "Waiting for coordinates from MQTT..."
	MapWaiting        = "<p>No location data received yet.</p>"
	DirectionsWaiting = "<p>Directions will appear when a location is received.</p>"
	AlertNone         = "No alerts received yet."
)

type LocationView struct {
	Present        bool    `json:"present"`
	Status         string  `json:"status"`
	MapHTML        string  `json:"map_html"`
	DirectionsHTML string  `json:"directions_html"`
	MapURL         string  `json:"map_url,omitempty"`
	DirectionsURL  string  `json:"directions_url,omitempty"`
	Lat            float64 `json:"lat,omitempty"`
	Lon            float64 `json:"lon,omitempty"`
}

type Options struct {
	MapDelta float64 // half size of embedded map bounding box, degrees
	MapZoom  int
	TZ       *time.Location // alert time, local by default
}

type Renderer struct {
	store *telemetry.Store
	opt   Options
}

func NewRenderer(store *telemetry.Store, opt Options) *Renderer {
	if opt.MapDelta <= 0 {
		opt.MapDelta = DefaultMapDelta
	}
	if opt.MapZoom <= 0 {
		opt.MapZoom = DefaultMapZoom
	}
	if opt.TZ == nil {
		opt.TZ = time.Local
	}
	return &Renderer{store: store, opt: opt}
}

// RenderLocation with default options.
func RenderLocation(store *telemetry.Store) LocationView {
	return NewRenderer(store, Options{}).RenderLocation()
}

// RenderAlert with default options. Consumes unread alert.
func RenderAlert(store *telemetry.Store) string {
	return NewRenderer(store, Options{}).RenderAlert()
}

func (r *Renderer) RenderLocation() LocationView {
	c, ok := r.store.Coordinates()
	if !ok {
		return LocationView{
			Status:         StatusWaiting,
			MapHTML:        MapWaiting,
			DirectionsHTML: DirectionsWaiting,
		}
	}

	v := LocationView{
		Present:       true,
		Status:        fmt.Sprintf("Latest location: %.6f, %.6f", c.Lat, c.Lon),
		MapURL:        MapURL(c.Lat, c.Lon, r.opt.MapZoom),
		DirectionsURL: DirectionsURL(c.Lat, c.Lon),
		Lat:           c.Lat,
		Lon:           c.Lon,
	}
	v.MapHTML = mustExecute(mapTemplate, mapData{
		EmbedURL: EmbedURL(c.Lat, c.Lon, r.opt.MapDelta),
		MapURL:   v.MapURL,
	})
	v.DirectionsHTML = mustExecute(directionsTemplate, v.DirectionsURL)
	return v
}

// RenderAlert reports unread alert once as "New", afterwards as "Last".
func (r *Renderer) RenderAlert() string {
	a := r.store.ConsumeAlert()
	if !a.Present {
		return AlertNone
	}
	ts := a.ReceivedAt.In(r.opt.TZ).Format("15:04:05")
	if a.Unread {
		return fmt.Sprintf("New alert at %s: %s", ts, a.Message)
	}
	return fmt.Sprintf("Last alert at %s: %s", ts, a.Message)
}

func EmbedURL(lat, lon, delta float64) string {
	left, right := lon-delta, lon+delta
	top, bottom := lat+delta, lat-delta
	return fmt.Sprintf("https://www.openstreetmap.org/export/embed.html?bbox=%s%%2C%s%%2C%s%%2C%s&layer=mapnik&marker=%s%%2C%s",
		ftoa(left), ftoa(bottom), ftoa(right), ftoa(top), ftoa(lat), ftoa(lon))
}

func MapURL(lat, lon float64, zoom int) string {
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%s&mlon=%s#map=%d/%s/%s",
		ftoa(lat), ftoa(lon), zoom, ftoa(lat), ftoa(lon))
}

// DirectionsURL leaves origin out, Google Maps uses "Your location".
func DirectionsURL(lat, lon float64) string {
	return fmt.Sprintf("https://www.google.com/maps/dir/?api=1&destination=%s,%s", ftoa(lat), ftoa(lon))
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

type mapData struct {
	EmbedURL string
	MapURL   string
}

var mapTemplate = template.Must(template.New("map").Parse(`<iframe width="100%" height="400" frameborder="0" scrolling="no" marginheight="0" marginwidth="0" src="{{.EmbedURL}}"></iframe>
<br/>
<small><a href="{{.MapURL}}" target="_blank" rel="noopener">View larger map</a></small>`))

var directionsTemplate = template.Must(template.New("directions").Parse(
	`<a class="button" href="{{.}}" target="_blank" rel="noopener">Get directions in Google Maps</a>`))

func mustExecute(t *template.Template, data interface{}) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		panic(fmt.Sprintf("code error template=%s err=%v", t.Name(), err))
	}
	return buf.String()
}
