// Package capture is the boundary to the DOM event-capture library running in the page.
package capture

import (
	"encoding/json"
	"errors"

	"github.com/pagetrail/recorder/internal/models"
)

// ErrNoPage is returned by Record when no page is attached.
var ErrNoPage = errors.New("capture: no page attached")

// Options configures the capture library.
type Options struct {
	RecordCanvas     bool `json:"recordCanvas"`
	CollectFonts     bool `json:"collectFonts"`
	InlineStylesheet bool `json:"inlineStylesheet"`
}

// DefaultOptions turns on canvas, fonts and inline stylesheets.
func DefaultOptions() Options {
	return Options{RecordCanvas: true, CollectFonts: true, InlineStylesheet: true}
}

// Page identifies the document being captured.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Emit receives one captured event.
type Emit func(ev models.Event)

// Handle is a running capture. Stop detaches the emitter; it is safe to call twice.
type Handle interface {
	Stop()
	Page() Page
}

// Source starts captures.
type Source interface {
	Record(opts Options, emit Emit) (Handle, error)
}

// ValidEvent reports whether raw looks like a capture-library event: a JSON
// object carrying numeric "type" and "timestamp" fields.
func ValidEvent(raw []byte) bool {
	var head struct {
		Type      *json.Number `json:"type"`
		Timestamp *json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return false
	}
	return head.Type != nil && head.Timestamp != nil
}
