package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"trackchat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	directionSent     = string(models.DirectionSent)
	directionReceived = string(models.DirectionReceived)
)

// ConversationSummary describes one archived conversation of an owner.
type ConversationSummary struct {
	PeerID       string
	MessageCount int
	FirstMessage time.Time
	LastMessage  time.Time
}

func validateDirection(direction models.Direction) error {
	switch string(direction) {
	case directionSent, directionReceived:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

// messageKey identifies one message within a conversation by instant and
// text, matching the view's dedup rule. Direction is not part of the key.
func messageKey(ownerID, peerID string, timestamp time.Time, text string) string {
	hash, _ := blake2b.New256(nil)
	for _, part := range []string{ownerID, peerID, strconv.FormatInt(timestamp.UnixNano(), 10), text} {
		_, _ = hash.Write([]byte(part))
		_, _ = hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func fromUnixNano(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
