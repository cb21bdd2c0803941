package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-radio/internal/fault"
)

func TestEncodeSingleEntry(t *testing.T) {
	ts := time.Date(2024, time.June, 1, 12, 0, 0, 250*int(time.Millisecond), time.Local)
	data, err := Encode(ts, -17.4)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"Sat Jun  1 12:00:00.250 2024":-17.4}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}

	reading, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reading.Value != -17.4 {
		t.Fatalf("unexpected value %v", reading.Value)
	}
	parsed, err := reading.Time()
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Fatalf("expected %v, got %v", ts, parsed)
	}
}

func TestDecodeAcceptsForeignTimestamp(t *testing.T) {
	reading, err := Decode([]byte(`{"Wed Jun 1 12:00:00 2024": 3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reading.Timestamp != "Wed Jun 1 12:00:00 2024" || reading.Value != 3 {
		t.Fatalf("unexpected reading %+v", reading)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":       ``,
		"not json":    `hello`,
		"array":       `[1,2]`,
		"truncated":   `{"a": 1`,
		"no entries":  `{}`,
		"null value":  `{"a": null}`,
		"string":      `{"a": "loud"}`,
		"two entries": `{"a": 1, "b": 2}`,
	}
	for name, payload := range cases {
		if _, err := Decode([]byte(payload)); !errors.Is(err, fault.ErrDecode) {
			t.Fatalf("%s: expected decode error, got %v", name, err)
		}
	}
}
