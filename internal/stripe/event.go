package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance bounds how old a signed payload may be before it is
// rejected as a possible replay.
const signatureTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature is returned when the Stripe-Signature header does
	// not match the payload.
	ErrInvalidSignature = errors.New("stripe: webhook signature verification failed")

	// ErrSignatureExpired is returned when the signed timestamp falls
	// outside the tolerance window.
	ErrSignatureExpired = errors.New("stripe: webhook signature timestamp outside tolerance")
)

// Event is a verified webhook event.
type Event struct {
	ID     string
	Type   string
	object map[string]interface{}
}

// Object returns the event's data.object payload.
func (e *Event) Object() map[string]interface{} {
	return e.object
}

// NewEvent builds an Event from already-verified parts. Production events
// come from ConstructEvent; this exists for tests and replay tooling.
func NewEvent(id, eventType string, object map[string]interface{}) *Event {
	return &Event{ID: id, Type: eventType, object: object}
}

// ConstructEvent verifies the Stripe-Signature header against the raw
// payload and parses the event. The header carries a timestamp and one or
// more v1 signatures: HMAC-SHA256 of "<timestamp>.<payload>" keyed with the
// endpoint's signing secret.
func ConstructEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	if d := time.Since(time.Unix(timestamp, 0)); d > signatureTolerance || d < -signatureTolerance {
		return nil, ErrSignatureExpired
	}

	expected := computeSignature(timestamp, payload, secret)
	valid := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	return parseEvent(payload)
}

func parseEvent(payload []byte) (*Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("stripe: parse webhook event: %w", err)
	}

	event := &Event{
		ID:   String(raw, "id"),
		Type: String(raw, "type"),
	}
	if event.ID == "" || event.Type == "" {
		return nil, errors.New("stripe: webhook event missing id or type")
	}

	if data, ok := raw["data"].(map[string]interface{}); ok {
		event.object, _ = data["object"].(map[string]interface{})
	}
	if event.object == nil {
		return nil, errors.New("stripe: webhook event missing data.object")
	}

	return event, nil
}

func parseSignatureHeader(header string) (timestamp int64, signatures []string, err error) {
	if header == "" {
		return 0, nil, ErrInvalidSignature
	}

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidSignature
			}
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, ErrInvalidSignature
	}

	return timestamp, signatures, nil
}

func computeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
