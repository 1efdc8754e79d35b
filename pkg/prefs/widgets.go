package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

// Widget types with data the export cares about.
const (
	WidgetNotes   = "notes"
	WidgetWeather = "weather"
	WidgetHabits  = "habits"
	WidgetQuotes  = "quotes"
	WidgetClock   = "clock"
)

// Widget is the persisted state of one widget instance.
type Widget struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Data      map[string]string `json:"data,omitempty"`
	UpdatedAt int64             `json:"updatedAt,omitempty"`
}

func widgetKey(id string) string { return store.PrefixWidget + id }

// ValidateWidget checks the fields every widget must carry.
func ValidateWidget(w Widget) error {
	if strings.TrimSpace(w.ID) == "" {
		return &security.ValidationError{Field: "widget.id", Message: "must not be empty"}
	}
	if strings.TrimSpace(w.Type) == "" {
		return &security.ValidationError{Field: "widget.type", Message: "must not be empty"}
	}
	return nil
}

// ListWidgets returns all widgets ordered by id.
func ListWidgets(kv store.KV) ([]Widget, error) {
	keys, err := kv.List(store.PrefixWidget)
	if err != nil {
		return nil, err
	}
	widgets := make([]Widget, 0, len(keys))
	for _, k := range keys {
		raw, err := kv.Get(k)
		if err != nil {
			return nil, err
		}
		var w Widget
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", security.ErrDataCorrupted, k, err)
		}
		widgets = append(widgets, w)
	}
	return widgets, nil
}

// PutWidget stores w under widget:<id>.
func PutWidget(kv store.KV, w Widget) error {
	if err := ValidateWidget(w); err != nil {
		return err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("prefs: failed to marshal widget: %w", err)
	}
	return kv.Put(widgetKey(w.ID), string(data))
}

// ReplaceWidgets deletes every stored widget and writes widgets.
func ReplaceWidgets(kv store.KV, widgets []Widget) error {
	keys, err := kv.List(store.PrefixWidget)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := kv.Delete(k); err != nil {
			return err
		}
	}
	for _, w := range widgets {
		if err := PutWidget(kv, w); err != nil {
			return err
		}
	}
	return nil
}

// Registry is the widget collaborator used by export and import.
type Registry struct {
	kv store.Store
}

// NewRegistry returns a Registry over kv.
func NewRegistry(kv store.Store) *Registry {
	return &Registry{kv: kv}
}

// List returns all widgets ordered by id.
func (r *Registry) List() ([]Widget, error) {
	return ListWidgets(r.kv)
}

// Get returns the widget with id or store.ErrNotFound.
func (r *Registry) Get(id string) (*Widget, error) {
	raw, err := r.kv.Get(widgetKey(id))
	if err != nil {
		return nil, err
	}
	var w Widget
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: widget %s: %v", security.ErrDataCorrupted, id, err)
	}
	return &w, nil
}

// Put stores w.
func (r *Registry) Put(w Widget) error {
	return PutWidget(r.kv, w)
}

// Delete removes the widget with id.
func (r *Registry) Delete(id string) error {
	return r.kv.Delete(widgetKey(id))
}

// ReplaceAll atomically replaces every widget with widgets.
func (r *Registry) ReplaceAll(widgets []Widget) error {
	return r.kv.Update(func(tx store.KV) error {
		return ReplaceWidgets(tx, widgets)
	})
}

// WeatherLocation returns the location saved by the first weather widget, or
// nil if none is saved.
func (r *Registry) WeatherLocation() (*WeatherLocation, error) {
	widgets, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, w := range widgets {
		if w.Type != WidgetWeather || w.Data == nil {
			continue
		}
		return ParseWeatherLocation(w.Data)
	}
	return nil, nil
}

// ErrInvalidLocation is returned by ParseWeatherLocation for unusable data.
var ErrInvalidLocation = errors.New("prefs: invalid weather location")

// ParseWeatherLocation reads "lat", "lon" and optional "name" from widget
// data. Missing data yields nil, nil.
func ParseWeatherLocation(data map[string]string) (*WeatherLocation, error) {
	latStr, hasLat := data["lat"]
	lonStr, hasLon := data["lon"]
	if !hasLat && !hasLon {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: lat %q", ErrInvalidLocation, latStr)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: lon %q", ErrInvalidLocation, lonStr)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: %v,%v out of range", ErrInvalidLocation, lat, lon)
	}
	return &WeatherLocation{Lat: lat, Lon: lon, Name: data["name"]}, nil
}
