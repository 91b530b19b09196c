package fleet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Timestamp is an optional instant. The zero value means absent and encodes
// as null. The backend mixes RFC 3339, "2006-01-02 15:04:05" and bare dates,
// so decoding accepts all three.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// ParseTimestamp parses any of the accepted layouts. An empty string yields
// the zero Timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Equal reports whether both timestamps are absent or denote the same instant.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.Time.Equal(o.Time)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t *Timestamp) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := ParseTimestamp(n.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AlarmID identifies an alarm. Backend ids are numeric and arrive as JSON
// numbers; ids synthesized on this client are prefixed with "local-".
type AlarmID string

const localAlarmPrefix = "local-"

// LocalAlarmID builds the id of a client-synthesized alarm.
func LocalAlarmID(suffix string) AlarmID { return AlarmID(localAlarmPrefix + suffix) }

// IsLocal reports whether id was synthesized on this client.
func (id AlarmID) IsLocal() bool { return strings.HasPrefix(string(id), localAlarmPrefix) }

func (id *AlarmID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = AlarmID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("alarm_id must be a number or string: %w", err)
		}
		*id = AlarmID(n.String())
	}
	return nil
}

// MarshalJSON keeps numeric backend ids numeric on the way out.
func (id AlarmID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *AlarmID) UnmarshalYAML(n *yaml.Node) error {
	*id = AlarmID(n.Value)
	return nil
}
