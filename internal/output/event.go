package output

import (
	"log/slog"
	"math"
	"time"

	"github.com/nmslite/nmstrans/internal/model"
)

// Event is the structured form of one result used by the message and log
// sinks.
type Event struct {
	Timestamp time.Time      `json:"@timestamp"`
	Source    string         `json:"source"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	ObjDomain string         `json:"obj_domain,omitempty"`
	ClassName string         `json:"class_name,omitempty"`
	TypeName  string         `json:"type_name,omitempty"`
	Attribute string         `json:"attribute"`
	KeyAlias  string         `json:"key_alias,omitempty"`
	Values    map[string]any `json:"values"`
}

// NewEvent builds the event for r. NaN and infinite floats are dropped
// and logged at debug level since JSON cannot carry them.
func NewEvent(server *model.Server, r model.Result, logger *slog.Logger) Event {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		if !representable(v) {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Debug("skipping unrepresentable value",
				"server", server.Source(),
				"attribute", r.AttributeName,
				"key", k,
				"value", v,
			)
			continue
		}
		values[k] = v
	}

	return Event{
		Timestamp: time.UnixMilli(r.Epoch).UTC(),
		Source:    server.Source(),
		Host:      server.Host,
		Port:      server.Port,
		ObjDomain: r.ObjDomain,
		ClassName: r.ClassName,
		TypeName:  r.TypeName,
		Attribute: r.AttributeName,
		KeyAlias:  r.KeyAlias,
		Values:    values,
	}
}

func representable(v any) bool {
	switch f := v.(type) {
	case float64:
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	case float32:
		return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
	}
	return true
}

// Fields returns the event as a flat-ish map for sinks that take maps.
func (e Event) Fields() map[string]any {
	return map[string]any{
		"@timestamp": e.Timestamp,
		"source":     e.Source,
		"host":       e.Host,
		"port":       e.Port,
		"obj_domain": e.ObjDomain,
		"class_name": e.ClassName,
		"type_name":  e.TypeName,
		"attribute":  e.Attribute,
		"key_alias":  e.KeyAlias,
		"values":     e.Values,
	}
}
