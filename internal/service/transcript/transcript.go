// Package transcript holds the append-only, time-ordered record of
// attributed utterances and the assembler that builds it.
package transcript

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TimestampLayout is used when rendering entries as text.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Entry is one attributed utterance.
type Entry struct {
	SpeakerID string    `json:"speakerId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// String renders the entry as "[timestamp] speaker: text".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format(TimestampLayout), e.SpeakerID, e.Text)
}

// Log is an append-only sequence of entries. Readers get a copy of the
// current prefix and never observe a partially appended entry.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) append(e Entry) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return len(l.entries)
}

// last returns the most recent entry, if any.
func (l *Log) last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Entries returns a copy of the entries appended so far.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Observer is notified of each entry right after it is appended.
type Observer interface {
	OnEntry(e Entry)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Entry)

// OnEntry calls f.
func (f ObserverFunc) OnEntry(e Entry) { f(e) }

// ConsoleObserver echoes each entry to w as a line of text.
func ConsoleObserver(w io.Writer) Observer {
	var mu sync.Mutex
	return ObserverFunc(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, e.String())
	})
}
