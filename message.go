package sockbridge

import (
	"fmt"
	"strings"

	"github.com/sockbridge/golang/internal/jsoncodec"
)

const (
	// FieldDelimiter separates the fields of a frame
	FieldDelimiter = ";"

	// ErrorField is the reserved response property signalling a failed call
	ErrorField = "error"
)

// Message is a parsed inbound frame (id;json)
type Message struct {
	ID   string
	Data any
	// Raw reports that the payload was not valid JSON and Data holds the
	// undecoded text
	Raw bool
}

// ParseMessage splits a frame into its correlation id and payload and decodes
// the payload as JSON. A payload that does not decode is passed through as a
// string; parsing never fails.
func ParseMessage(frame string) Message {
	id, payload, found := strings.Cut(frame, FieldDelimiter)
	if !found {
		return Message{ID: id}
	}

	var data any
	if err := jsoncodec.Unmarshal([]byte(payload), &data); err != nil {
		return Message{ID: id, Data: payload, Raw: true}
	}
	return Message{ID: id, Data: data}
}

// ErrorValue returns the value of the reserved error property when data is a
// JSON object carrying one
func ErrorValue(data any) (any, bool) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[ErrorField]
	return v, ok
}

// EncodeCall builds an outbound frame: id;function;json followed by the frame
// delimiter
func EncodeCall(id, function string, payload any) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if function == "" || strings.ContainsAny(function, FieldDelimiter+string(FrameDelimiter)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFunction, function)
	}
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for '%s': %w", function, err)
	}

	frame := make([]byte, 0, len(id)+len(function)+len(body)+3)
	frame = append(frame, id...)
	frame = append(frame, FieldDelimiter...)
	frame = append(frame, function...)
	frame = append(frame, FieldDelimiter...)
	frame = append(frame, body...)
	frame = append(frame, FrameDelimiter)
	return frame, nil
}

// Request is a parsed outbound frame as seen by a worker
type Request struct {
	ID       string
	Function string
	Payload  []byte
}

// ParseCall splits an id;function;json frame. The payload is left undecoded
// so handlers can unmarshal it into their own argument type.
func ParseCall(frame string) (Request, error) {
	parts := strings.SplitN(frame, FieldDelimiter, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Request{}, fmt.Errorf("malformed call frame %q", frame)
	}
	req := Request{ID: parts[0], Function: parts[1]}
	if len(parts) == 3 {
		req.Payload = []byte(parts[2])
	}
	return req, nil
}

// EncodeResponse builds an inbound frame: id;json followed by the frame
// delimiter
func EncodeResponse(id string, v any) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response %s: %w", id, err)
	}

	frame := make([]byte, 0, len(id)+len(body)+2)
	frame = append(frame, id...)
	frame = append(frame, FieldDelimiter...)
	frame = append(frame, body...)
	frame = append(frame, FrameDelimiter)
	return frame, nil
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, FieldDelimiter+string(FrameDelimiter)) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
