package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/maxpert/notnview/encoding"
)

// ErrDecode marks a payload that could not be turned into a Notification.
// Decode failures are recoverable: callers skip the message and report it.
var ErrDecode = errors.New("notification decode failed")

// Codec converts between wire payloads and notifications.
type Codec interface {
	Decode(data []byte) (Notification, error)
	Encode(n Notification) ([]byte, error)
}

// JSONCodec reads and writes the upstream JSON shape. Unknown fields are
// ignored so producers can add columns without breaking replicas.
type JSONCodec struct{}

var nullLiteral = []byte("null")

// Decode parses a JSON object into a Notification. Empty and null payloads
// are rejected.
func (JSONCodec) Decode(data []byte) (Notification, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Notification{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if bytes.Equal(trimmed, nullLiteral) {
		return Notification{}, fmt.Errorf("%w: null payload", ErrDecode)
	}

	var n Notification
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return n, nil
}

// Encode writes the notification in the upstream JSON shape.
func (JSONCodec) Encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// EncodeEnvelope serializes an envelope for the internal log.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := encoding.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an internal log value.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, fmt.Errorf("%w: empty log value", ErrDecode)
	}
	if err := encoding.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env, nil
}

// Amount is the 32-bit AMTS field. Producers send it either as a JSON number
// or as a quoted integer; fractional numbers are truncated toward zero.
type Amount int32

// UnmarshalJSON accepts numbers, quoted numbers and null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, nullLiteral) {
		*a = 0
		return nil
	}

	raw := string(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("invalid AMTS %s: %w", raw, err)
		}
		if unquoted == "" {
			*a = 0
			return nil
		}
		raw = unquoted
	}

	if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
		*a = Amount(v)
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid AMTS %q: %w", raw, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid AMTS %q", raw)
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 || f < math.MinInt32 {
		return fmt.Errorf("AMTS %q out of 32-bit range", raw)
	}
	*a = Amount(f)
	return nil
}
