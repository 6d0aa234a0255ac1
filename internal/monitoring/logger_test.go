package monitoring

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogf(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogf(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	// nil installs a no-op logger that must not panic
	SetLogf(nil)
	Logf("test message")
}

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))

	Logf("sampled %d points", 42)
	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	if got := logs.All()[0].Message; got != "sampled 42 points" {
		t.Errorf("unexpected message %q", got)
	}

	SetLogger(nil)
	Logf("dropped")
	if logs.Len() != 1 {
		t.Errorf("no-op logger should not record, got %d entries", logs.Len())
	}
}
