package cloudlink

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventType identifies the kind of cloud-variable activity an Event
// describes, mirroring the platform's own packet methods plus the
// catch-all "any" subscription.
type EventType string

const (
	EventSet     EventType = "set"
	EventDelete  EventType = "delete"
	EventConnect EventType = "connect"
	EventCreate  EventType = "create"
	EventAny     EventType = "any"
)

const cloudPrefix = "☁ "

// Event is what a registered handler receives: a normalized view of one
// incoming cloud-variable packet (or, for "connect", the fact that a
// handshake just completed).
type Event struct {
	Type      EventType
	Var       string // raw variable name as sent on the wire, e.g. "☁ FROM_CLIENT"
	Name      string // Var with the cloud-variable prefix stripped
	Value     string // decimal text or, for TurboWarp with AcceptStrings, arbitrary text
	Timestamp time.Time
}

// wirePacket is the JSON shape of one line of the cloud-variable protocol,
// in both directions (spec.md §4.4's handshake/set packets).
type wirePacket struct {
	Method    string          `json:"method"`
	Name      string          `json:"name,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	User      string          `json:"user,omitempty"`
	ProjectID int             `json:"project_id,omitempty"`
}

func (p wirePacket) toEvent() Event {
	name := strings.TrimPrefix(p.Name, cloudPrefix)
	return Event{
		Type:      EventType(p.Method),
		Var:       p.Name,
		Name:      name,
		Value:     decodeValue(p.Value),
		Timestamp: time.Now(),
	}
}

// decodeValue renders a JSON scalar (number, string, or bool) as plain
// text, the way the platform's "value" field is carried: a bare decimal
// number in the platform flavor, optionally a quoted string under
// TurboWarp's AcceptStrings.
func decodeValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// rawValue renders a plain-text cloud-variable value as the JSON scalar the
// wire format expects: a bare number when value parses as one (the
// platform flavor always sends numeric cloud variables), a quoted string
// otherwise (the TurboWarp AcceptStrings extension).
func rawValue(value string) json.RawMessage {
	if value == "" {
		return json.RawMessage(`""`)
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return json.RawMessage(value)
	}
	b, _ := json.Marshal(value)
	return json.RawMessage(b)
}

// unmarshalPacket parses one line of the newline-delimited JSON protocol.
func unmarshalPacket(line []byte, p *wirePacket) error {
	return json.Unmarshal(line, p)
}
