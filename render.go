package main

import (
	"fmt"
	"io"

	"trackchat/models"
)

type lineKey struct {
	at        int64
	direction models.Direction
	text      string
}

func keyOf(message models.DisplayMessage) lineKey {
	return lineKey{at: message.Timestamp.UnixNano(), direction: message.Direction, text: message.Text}
}

// transcriptPrinter keeps the terminal in the same order as the session view.
// A view that extends the printed lines prints only the new tail; anything
// else, such as a late message sorting before the last printed one, reprints
// the conversation.
type transcriptPrinter struct {
	out     io.Writer
	peer    string
	printed []lineKey
}

func newTranscriptPrinter(out io.Writer, peer string) *transcriptPrinter {
	return &transcriptPrinter{out: out, peer: peer}
}

func (p *transcriptPrinter) Print(view []models.DisplayMessage) {
	keys := make([]lineKey, len(view))
	for i, message := range view {
		keys[i] = keyOf(message)
	}

	start := len(p.printed)
	if !hasPrefix(keys, p.printed) {
		if len(p.printed) > 0 {
			fmt.Fprintln(p.out, "-- conversation")
		}
		start = 0
	}
	for _, message := range view[start:] {
		printMessage(p.out, p.peer, message)
	}
	p.printed = keys
}

func hasPrefix(keys, prefix []lineKey) bool {
	if len(prefix) > len(keys) {
		return false
	}
	for i := range prefix {
		if keys[i] != prefix[i] {
			return false
		}
	}
	return true
}

func printMessage(out io.Writer, peer string, message models.DisplayMessage) {
	who := "you"
	if message.Direction == models.DirectionReceived {
		who = peer
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", message.Timestamp.Local().Format("2006-01-02 15:04"), who, message.Text)
}
