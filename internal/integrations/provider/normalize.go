package provider

import (
	"encoding/json"
	"time"

	"github.com/BearBump/ShipRecon/internal/changedetect"
	"github.com/BearBump/ShipRecon/internal/models"
)

// Field names observed to carry event entries across providers. Some
// providers nest them one level down under a container object.
var (
	eventFields     = []string{"z0", "z1", "z2", "events", "checkpoints", "track_info", "history"}
	containerFields = []string{"track", "data", "tracking"}

	statusFields   = []string{"z", "status", "status_text", "tag", "description", "message"}
	timeFields     = []string{"a", "time", "time_iso", "date", "timestamp", "checkpoint_time", "event_time"}
	locationFields = []string{"c", "location", "city", "place"}
	codeFields     = []string{"b", "status_code"}
)

// Timestamp formats tried in order. Zoneless formats are read as UTC.
var timeFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02/01/2006 15:04:05",
}

// Normalize turns a raw provider payload into the canonical event plus its
// fingerprint. It is pure and defensive: events may sit under differently
// named fields, as a list, a dict of dicts, or a single object; entries
// lacking both a status and a timestamp are dropped; survivors are deduped
// by (raw timestamp, raw status) and the latest by raw timestamp string
// ordering wins. Anything unusable yields (zero, false, "") instead of an
// error - a payload we cannot read is the same as no event.
//
// The event time stays absent when no known format parses the raw string.
// It is never substituted with the current time.
func Normalize(raw json.RawMessage) (models.Event, bool, string) {
	if len(raw) == 0 {
		return models.Event{}, false, ""
	}
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return models.Event{}, false, ""
	}

	var ex extraction
	collect(node, &ex, 0)
	if len(ex.events) == 0 {
		return models.Event{}, false, ""
	}

	cands := dedupe(ex.events)
	best := cands[0]
	for _, c := range cands[1:] {
		if c.timeRaw > best.timeRaw {
			best = c
		}
	}

	code := best.code
	if code == nil {
		code = ex.containerCode
	}

	ev := models.Event{
		Status:       NormalizeStatus(code, best.statusRaw),
		StatusRaw:    best.statusRaw,
		EventTime:    ParseEventTime(best.timeRaw),
		EventTimeRaw: best.timeRaw,
	}
	if best.location != "" {
		loc := best.location
		ev.Location = &loc
	}
	if b, err := json.Marshal(best.node); err == nil {
		ev.Payload = b
	}

	return ev, true, changedetect.Fingerprint(ev)
}

// ParseEventTime tries the known formats in order and returns nil when none
// match. Callers must treat nil as "unknown", not as "now".
func ParseEventTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, f := range timeFormats {
		if t, err := time.ParseInLocation(f, s, time.UTC); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

type rawEvent struct {
	statusRaw string
	timeRaw   string
	location  string
	code      *int64
	node      any
}

type extraction struct {
	events        []rawEvent
	containerCode *int64
}

func collect(node any, ex *extraction, depth int) {
	// Provider payloads are shallow; the depth guard only protects against
	// pathologically self-nested input.
	if depth > 4 {
		return
	}

	switch v := node.(type) {
	case []any:
		for _, el := range v {
			if m, ok := el.(map[string]any); ok {
				appendIfEvent(m, ex)
			}
		}
	case map[string]any:
		found := false
		for _, f := range eventFields {
			sub, ok := v[f]
			if !ok {
				continue
			}
			for _, m := range flatten(sub) {
				appendIfEvent(m, ex)
				found = true
			}
		}
		if c := codeOf(v); c != nil && ex.containerCode == nil {
			ex.containerCode = c
		}
		for _, f := range containerFields {
			if sub, ok := v[f].(map[string]any); ok {
				collect(sub, ex, depth+1)
			}
		}
		// A bare event object with no recognized container around it.
		if !found && len(ex.events) == 0 {
			appendIfEvent(v, ex)
		}
	}
}

// flatten accepts an event source in any of its observed shapes: a list of
// objects, a dict of objects keyed by arbitrary ids, or a single object.
func flatten(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if _, _, ok := statusOf(t); ok {
			return []map[string]any{t}
		}
		if _, ok := timeOf(t); ok {
			return []map[string]any{t}
		}
		var out []map[string]any
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func appendIfEvent(m map[string]any, ex *extraction) {
	status, _, hasStatus := statusOf(m)
	timeRaw, hasTime := timeOf(m)
	if !hasStatus && !hasTime {
		return
	}
	ex.events = append(ex.events, rawEvent{
		statusRaw: status,
		timeRaw:   timeRaw,
		location:  locationOf(m),
		code:      codeOf(m),
		node:      m,
	})
}

func statusOf(m map[string]any) (value, field string, ok bool) {
	for _, f := range statusFields {
		if s, good := m[f].(string); good && s != "" {
			return s, f, true
		}
	}
	return "", "", false
}

func timeOf(m map[string]any) (string, bool) {
	for _, f := range timeFields {
		if s, ok := m[f].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func locationOf(m map[string]any) string {
	for _, f := range locationFields {
		if s, ok := m[f].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func codeOf(m map[string]any) *int64 {
	for _, f := range codeFields {
		if n, ok := m[f].(float64); ok {
			c := int64(n)
			return &c
		}
	}
	return nil
}

func dedupe(events []rawEvent) []rawEvent {
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]
	for _, e := range events {
		k := e.timeRaw + "\x00" + e.statusRaw
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
