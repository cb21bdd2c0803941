package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-radio/internal/fault"
)

// TimestampLayout is asctime with milliseconds, e.g. "Wed Jun  1 12:00:00.250 2024".
const TimestampLayout = "Mon Jan _2 15:04:05.000 2006"

// Reading is one decoded wire record.
type Reading struct {
	Timestamp string
	Value     float64
}

// Time parses the timestamp with TimestampLayout.
func (r Reading) Time() (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, r.Timestamp, time.Local)
}

// Stamp formats t for the wire.
func Stamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Encode builds the single-entry {timestamp: value} record.
func Encode(ts time.Time, value float64) ([]byte, error) {
	data, err := json.Marshal(map[string]float64{Stamp(ts): value})
	if err != nil {
		return nil, fmt.Errorf("encode reading: %w", err)
	}
	return data, nil
}

// Decode parses a {timestamp: value} record. Any failure wraps fault.ErrDecode.
func Decode(data []byte) (Reading, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Reading{}, fault.Decode("not valid structured record")
	}
	var record map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return Reading{}, fault.Decode("not valid structured record: %v", err)
	}
	if len(record) == 0 {
		return Reading{}, fault.Decode("missing value")
	}
	if len(record) > 1 {
		return Reading{}, fault.Decode("expected a single entry, got %d", len(record))
	}
	for ts, raw := range record {
		var value *float64
		if err := json.Unmarshal(raw, &value); err != nil {
			return Reading{}, fault.Decode("value is not numeric: %v", err)
		}
		if value == nil {
			return Reading{}, fault.Decode("missing value")
		}
		return Reading{Timestamp: ts, Value: *value}, nil
	}
	return Reading{}, fault.Decode("missing value")
}
