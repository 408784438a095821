package logging

import (
	"testing"

	"github.com/mohammad-safakhou/specforge/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestNewDefaults(t *testing.T) {
	logger, err := New(config.LoggingConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(0) {
		t.Fatalf("expected info level enabled")
	}
	if logger.Core().Enabled(-1) {
		t.Fatalf("expected debug level disabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
