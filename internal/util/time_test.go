package util

import (
	"testing"
	"time"
)

func TestParseDurationArg(t *testing.T) {
	if d, err := ParseDurationArg("hours=2"); err != nil || d != 2*time.Hour {
		t.Errorf("hours=2: %v %v", d, err)
	}
	if d, err := ParseDurationArg("minutes=30"); err != nil || d != 30*time.Minute {
		t.Errorf("minutes=30: %v %v", d, err)
	}
	if d, err := ParseDurationArg("days=1"); err != nil || d != 24*time.Hour {
		t.Errorf("days=1: %v %v", d, err)
	}
	if _, err := ParseDurationArg("fortnights=1"); err == nil {
		t.Error("unknown unit should error")
	}
	if _, err := ParseDurationArg("minutes"); err == nil {
		t.Error("missing '=' should error")
	}
}

func TestTSRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
	got, err := ParseTS(FormatTS(now))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Errorf("round trip: %v != %v", got, now)
	}
}

func TestParseTSEpochMillis(t *testing.T) {
	got, err := ParseTS("1717245045000")
	if err != nil {
		t.Fatal(err)
	}
	if got.Year() != 2024 {
		t.Errorf("epoch millis parsed to %v", got)
	}
}

func TestTruncateErrorText(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	if got := TruncateErrorText(string(long), 1024); len(got) != 1024 {
		t.Errorf("len %d", len(got))
	}
	if got := TruncateErrorText("short", 1024); got != "short" {
		t.Errorf("got %q", got)
	}
}
