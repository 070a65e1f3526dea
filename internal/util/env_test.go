package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("STUDYPIPE_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("STUDYPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("STUDYPIPE_TEST_INT", " 14 ")
	if got := ParseIntEnv("STUDYPIPE_TEST_INT", 7); got != 14 {
		t.Errorf("ParseIntEnv() = %d, want 14", got)
	}
	t.Setenv("STUDYPIPE_TEST_INT", "seven")
	if got := ParseIntEnv("STUDYPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv() with invalid value = %d, want default 7", got)
	}
	t.Setenv("STUDYPIPE_TEST_INT", "")
	if got := ParseIntEnv("STUDYPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv() with empty value = %d, want default 7", got)
	}
}

func TestParseStringEnv(t *testing.T) {
	t.Setenv("STUDYPIPE_TEST_STRING", "  ")
	if got := ParseStringEnv("STUDYPIPE_TEST_STRING", "default"); got != "default" {
		t.Errorf("ParseStringEnv() = %q, want default", got)
	}
	t.Setenv("STUDYPIPE_TEST_STRING", "short")
	if got := ParseStringEnv("STUDYPIPE_TEST_STRING", "default"); got != "short" {
		t.Errorf("ParseStringEnv() = %q, want short", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("STUDYPIPE_TEST_DURATION", "90s")
	if got := ParseDurationEnv("STUDYPIPE_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv() = %v, want 90s", got)
	}
	t.Setenv("STUDYPIPE_TEST_DURATION", "ninety")
	if got := ParseDurationEnv("STUDYPIPE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv() with invalid value = %v, want 1m", got)
	}
}
