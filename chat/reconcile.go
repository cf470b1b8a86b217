package chat

import (
	"sort"

	"trackchat/models"
)

// messageKey is the dedup identity of a message. Two messages are the same
// message when they share text and denote the same instant.
type messageKey struct {
	sec  int64
	nsec int
	text string
}

func keyOf(message models.Message) messageKey {
	return messageKey{
		sec:  message.Timestamp.Unix(),
		nsec: message.Timestamp.Nanosecond(),
		text: message.Text,
	}
}

// Merge builds the display sequence for one conversation: received entries
// then sent entries, first occurrence of each (timestamp, text) kept, stable
// sorted by timestamp.
func Merge(received, sent []models.Message) []models.DisplayMessage {
	tagged := make([]models.DisplayMessage, 0, len(received)+len(sent))
	for _, message := range received {
		tagged = append(tagged, models.DisplayMessage{Message: message, Direction: models.DirectionReceived})
	}
	for _, message := range sent {
		tagged = append(tagged, models.DisplayMessage{Message: message, Direction: models.DirectionSent})
	}

	out := dedupe(tagged, func(m models.DisplayMessage) messageKey { return keyOf(m.Message) })
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Classify decides which source list a live event belongs to. ok is false for
// events addressed to someone else and for payloads that history would also
// reject: no text or no timestamp.
func Classify(localUserID string, event models.LiveEvent) (models.DisplayMessage, bool) {
	if event.Message == nil || localUserID == "" {
		return models.DisplayMessage{}, false
	}

	message := models.Message{
		SenderID:   event.SenderID,
		ReceiverID: event.ReceiverID,
		Text:       event.Message.Text,
		Timestamp:  event.Message.Timestamp,
	}
	if !message.Valid() {
		return models.DisplayMessage{}, false
	}
	switch {
	case event.SenderID == localUserID:
		return models.DisplayMessage{Message: message, Direction: models.DirectionSent}, true
	case event.ReceiverID == localUserID:
		return models.DisplayMessage{Message: message, Direction: models.DirectionReceived}, true
	default:
		return models.DisplayMessage{}, false
	}
}

// TraceMessage is one entry of a supervisor trace between two employees.
type TraceMessage struct {
	models.Message
	ReceivedBy string
}

// MergeTrace interleaves what each of two employees received from the other.
// Documents are matched to employees by user ID; a missing document counts as
// an empty inbox.
func MergeTrace(employee1, employee2 string, documents []models.ChatDocument) []TraceMessage {
	inbox := func(userID string) []models.Message {
		for _, doc := range documents {
			if doc.UserID == userID {
				return doc.MessageReceived
			}
		}
		return nil
	}

	first, second := inbox(employee1), inbox(employee2)
	entries := make([]TraceMessage, 0, len(first)+len(second))
	for _, message := range first {
		entries = append(entries, TraceMessage{Message: message, ReceivedBy: employee1})
	}
	for _, message := range second {
		entries = append(entries, TraceMessage{Message: message, ReceivedBy: employee2})
	}

	out := dedupe(entries, func(m TraceMessage) messageKey { return keyOf(m.Message) })
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func dedupe[T any](in []T, key func(T) messageKey) []T {
	seen := make(map[messageKey]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, item := range in {
		k := key(item)
		if _, exists := seen[k]; exists {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}
