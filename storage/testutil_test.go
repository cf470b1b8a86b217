package storage

import (
	"testing"
	"time"

	"trackchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func display(direction models.Direction, text string, timestamp time.Time) models.DisplayMessage {
	return models.DisplayMessage{
		Message:   models.Message{Text: text, Timestamp: timestamp},
		Direction: direction,
	}
}
