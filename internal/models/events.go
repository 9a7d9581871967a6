// Package models defines the data structures for transcript events.
package models

import (
	"time"

	"speaker-transcript-service/internal/service/transcript"
)

// Event types carried in the eventType field and Kafka header.
const (
	EventTranscriptEntry = "transcript.entry"
	EventTranscriptFinal = "transcript.final"
	EventSessionStarted  = "session.started"
	EventSessionStopped  = "session.stopped"
)

// Entry is one attributed utterance on the wire.
type Entry struct {
	SpeakerID string `json:"speakerId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis of the utterance window start
}

// NewEntry converts a transcript entry.
func NewEntry(e transcript.Entry) Entry {
	return Entry{SpeakerID: e.SpeakerID, Text: e.Text, Timestamp: e.Timestamp.UnixMilli()}
}

// TranscriptEntry is published live as each entry is appended.
type TranscriptEntry struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Entry
}

// NewTranscriptEntry builds a live entry event.
func NewTranscriptEntry(sessionID string, index int, e transcript.Entry) TranscriptEntry {
	return TranscriptEntry{
		EventType: EventTranscriptEntry,
		SessionID: sessionID,
		Index:     index,
		Entry:     NewEntry(e),
	}
}

// TranscriptFinal carries the complete, sealed transcript of a session.
type TranscriptFinal struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Timestamp  int64   `json:"timestamp"`
	EntryCount int     `json:"entryCount"`
	Entries    []Entry `json:"entries"`
}

// NewTranscriptFinal builds the final transcript event.
func NewTranscriptFinal(sessionID string, entries []transcript.Entry) TranscriptFinal {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = NewEntry(e)
	}
	return TranscriptFinal{
		EventType:  EventTranscriptFinal,
		SessionID:  sessionID,
		Timestamp:  time.Now().UnixMilli(),
		EntryCount: len(out),
		Entries:    out,
	}
}

// SessionLifecycle announces a session starting or stopping.
type SessionLifecycle struct {
	EventType     string `json:"eventType"`
	SessionID     string `json:"sessionId"`
	Timestamp     int64  `json:"timestamp"`
	EntryCount    int    `json:"entryCount,omitempty"`
	DroppedFrames uint64 `json:"droppedFrames,omitempty"`
	Error         string `json:"error,omitempty"`
}
