package lifecycle

import (
	"context"
	"testing"

	"watchkeeper/pkg/logging"
)

func TestRestartRunsCommand(t *testing.T) {
	m := NewCommandManager("true", logging.NewLogger())
	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart returned error: %v", err)
	}
}

func TestRestartFailingCommand(t *testing.T) {
	m := NewCommandManager("false", logging.NewLogger())
	if err := m.Restart(context.Background()); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestRestartNoCommand(t *testing.T) {
	m := NewCommandManager("", logging.NewLogger())
	if err := m.Restart(context.Background()); err == nil {
		t.Fatal("expected error when no command configured")
	}
}

func TestNoopManager(t *testing.T) {
	if err := (NoopManager{}).Restart(context.Background()); err == nil {
		t.Fatal("expected error from noop manager")
	}
}
