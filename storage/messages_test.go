package storage

import (
	"errors"
	"testing"
	"time"

	"trackchat/models"
)

func TestRecordMessagesDeduplicatesByInstantAndText(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	other := time.FixedZone("UTC+2", 2*60*60)

	first := []models.DisplayMessage{
		display(models.DirectionReceived, "hi", base),
		display(models.DirectionSent, "yo", base.Add(time.Second)),
	}
	if err := store.RecordMessages("u1", "c1", first); err != nil {
		t.Fatalf("RecordMessages first failed: %v", err)
	}

	again := []models.DisplayMessage{
		display(models.DirectionSent, "hi", base.In(other)),
		display(models.DirectionReceived, "", base.Add(2*time.Second)),
		display(models.DirectionReceived, "new", base.Add(3*time.Second)),
	}
	if err := store.RecordMessages("u1", "c1", again); err != nil {
		t.Fatalf("RecordMessages second failed: %v", err)
	}

	messages, err := store.GetConversation("u1", "c1", 10, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 archived messages, got %d: %+v", len(messages), messages)
	}

	wantTexts := []string{"hi", "yo", "new"}
	for i, want := range wantTexts {
		if messages[i].Text != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, messages[i].Text)
		}
	}
	if messages[0].Direction != models.DirectionReceived {
		t.Fatalf("expected first archived direction to win, got %q", messages[0].Direction)
	}
	if !messages[0].Timestamp.Equal(base) {
		t.Fatalf("expected timestamp %v, got %v", base, messages[0].Timestamp)
	}
}

func TestGetConversationOrdersAndPages(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := store.RecordMessages("u1", "c1", []models.DisplayMessage{
		display(models.DirectionReceived, "third", base.Add(3*time.Second)),
		display(models.DirectionSent, "first", base.Add(time.Second)),
		display(models.DirectionReceived, "second", base.Add(2*time.Second)),
	}); err != nil {
		t.Fatalf("RecordMessages failed: %v", err)
	}
	if err := store.RecordMessages("u1", "c2", []models.DisplayMessage{
		display(models.DirectionReceived, "other peer", base),
	}); err != nil {
		t.Fatalf("RecordMessages other peer failed: %v", err)
	}

	page, err := store.GetConversation("u1", "c1", 2, 1)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(page) != 2 || page[0].Text != "second" || page[1].Text != "third" {
		t.Fatalf("unexpected page: %+v", page)
	}
	for _, message := range page {
		if message.OwnerID != "u1" || message.PeerID != "c1" {
			t.Fatalf("unexpected conversation ids: %+v", message)
		}
	}

	latest, err := store.GetLatestMessage("u1", "c1")
	if err != nil {
		t.Fatalf("GetLatestMessage failed: %v", err)
	}
	if latest.Text != "third" {
		t.Fatalf("expected latest message third, got %q", latest.Text)
	}

	if _, err := store.GetLatestMessage("u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListConversations(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := store.RecordMessages("u1", "c1", []models.DisplayMessage{
		display(models.DirectionReceived, "a", base),
		display(models.DirectionSent, "b", base.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("RecordMessages c1 failed: %v", err)
	}
	if err := store.RecordMessages("u1", "c2", []models.DisplayMessage{
		display(models.DirectionReceived, "c", base.Add(time.Hour)),
	}); err != nil {
		t.Fatalf("RecordMessages c2 failed: %v", err)
	}
	if err := store.RecordMessages("u2", "c1", []models.DisplayMessage{
		display(models.DirectionReceived, "d", base),
	}); err != nil {
		t.Fatalf("RecordMessages u2 failed: %v", err)
	}

	summaries, err := store.ListConversations("u1")
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(summaries))
	}
	if summaries[0].PeerID != "c2" || summaries[0].MessageCount != 1 {
		t.Fatalf("unexpected first summary: %+v", summaries[0])
	}
	if summaries[1].PeerID != "c1" || summaries[1].MessageCount != 2 {
		t.Fatalf("unexpected second summary: %+v", summaries[1])
	}
	if !summaries[1].FirstMessage.Equal(base) || !summaries[1].LastMessage.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected time range: %+v", summaries[1])
	}
}

func TestPruneBefore(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	if err := store.RecordMessages("u1", "c1", []models.DisplayMessage{
		display(models.DirectionReceived, "old", now.Add(-48*time.Hour)),
		display(models.DirectionSent, "new", now),
	}); err != nil {
		t.Fatalf("RecordMessages failed: %v", err)
	}

	pruned, err := store.PruneBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned message, got %d", pruned)
	}

	messages, err := store.GetConversation("u1", "c1", 10, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Text != "new" {
		t.Fatalf("expected only new message to remain, got %+v", messages)
	}

	if _, err := store.PruneBefore(time.Time{}); err == nil {
		t.Fatalf("expected error for zero cutoff")
	}
}

func TestRecordMessagesValidation(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	if err := store.RecordMessages("", "c1", []models.DisplayMessage{display(models.DirectionSent, "x", now)}); err == nil {
		t.Fatalf("expected error for missing owner")
	}
	if err := store.RecordMessages("u1", "", []models.DisplayMessage{display(models.DirectionSent, "x", now)}); err == nil {
		t.Fatalf("expected error for missing peer")
	}
	if err := store.RecordMessages("u1", "c1", []models.DisplayMessage{display("sideways", "x", now)}); err == nil {
		t.Fatalf("expected error for invalid direction")
	}
	if err := store.RecordMessages("u1", "c1", nil); err != nil {
		t.Fatalf("expected empty batch to succeed, got %v", err)
	}

	messages, err := store.GetConversation("u1", "c1", 10, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected rejected batch to leave nothing, got %+v", messages)
	}
}

func TestMessageKeyIgnoresZoneAndDirection(t *testing.T) {
	instant := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	local := instant.In(time.FixedZone("UTC-5", -5*60*60))

	if messageKey("u1", "c1", instant, "hi") != messageKey("u1", "c1", local, "hi") {
		t.Fatalf("expected equal keys for the same instant")
	}
	if messageKey("u1", "c1", instant, "hi") == messageKey("u1", "c2", instant, "hi") {
		t.Fatalf("expected conversation to be part of the key")
	}
	if messageKey("u1", "c1", instant, "a\x00b") == messageKey("u1", "c1", instant, "a") {
		t.Fatalf("expected distinct keys for distinct text")
	}
}
