package session

import (
	"strings"
	"testing"
)

func TestPathsAreSessionScoped(t *testing.T) {
	if !strings.HasPrefix(Dir("work"), BaseDir()) {
		t.Errorf("Dir should live under BaseDir, got %q", Dir("work"))
	}
	if Dir("work") == Dir("main") {
		t.Error("sessions must not share a directory")
	}
	if !strings.HasSuffix(OutboxDBPath("work"), "outbox.db") {
		t.Errorf("OutboxDBPath = %q", OutboxDBPath("work"))
	}
	if !strings.HasSuffix(LockPath("work"), "LOCK") {
		t.Errorf("LockPath = %q", LockPath("work"))
	}
}
