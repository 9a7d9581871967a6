package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/transcript"
)

var t0 = time.Date(2024, 7, 9, 8, 15, 0, 0, time.UTC)

func sampleEntries() []transcript.Entry {
	return []transcript.Entry{
		{SpeakerID: "User1", Text: "hello", Timestamp: t0},
		{SpeakerID: "unknown", Text: "who is this", Timestamp: t0.Add(2 * time.Second)},
		{SpeakerID: "User2", Text: "it's me", Timestamp: t0.Add(4 * time.Second)},
	}
}

func TestFilePersister_WritesRenderedLines(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewFilePersister(filepath.Join(t.TempDir(), "out"), m)

	if err := p.Persist(context.Background(), "sess-1", sampleEntries()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	data, err := os.ReadFile(p.Path("sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), data)
	}
	if lines[0] != "[2024-07-09 08:15:00.000] User1: hello" {
		t.Errorf("unexpected first line %q", lines[0])
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(p.Path("sess-1")), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
	if v := testutil.ToFloat64(m.PersistTotal.WithLabelValues("file")); v != 1 {
		t.Errorf("expected persist metric 1, got %v", v)
	}
}

func TestFilePersister_EmptyTranscript(t *testing.T) {
	p := NewFilePersister(t.TempDir(), metrics.NewMetrics(prometheus.NewRegistry()))
	if err := p.Persist(context.Background(), "empty", nil); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(p.Path("empty"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty file, got %d bytes", info.Size())
	}
}

func TestFilePersister_UnwritableDirIsIOError(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the directory should be.
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewFilePersister(filepath.Join(blocker, "sub"), m)

	err := p.Persist(context.Background(), "sess-1", sampleEntries())
	if !IsIOError(err) {
		t.Fatalf("expected IOError, got %v", err)
	}
	var ioErr *IOError
	errors.As(err, &ioErr)
	if ioErr.Backend != "file" || ioErr.Op != "mkdir" {
		t.Errorf("unexpected IOError %+v", ioErr)
	}
	if v := testutil.ToFloat64(m.PersistErrors.WithLabelValues("file")); v != 1 {
		t.Errorf("expected persist error metric 1, got %v", v)
	}
}

func TestFilePersister_RejectsPathLikeSessionIDs(t *testing.T) {
	p := NewFilePersister(t.TempDir(), metrics.NewMetrics(prometheus.NewRegistry()))
	for _, id := range []string{"", "..", "../escape", `a\b`} {
		err := p.Persist(context.Background(), id, sampleEntries())
		if !errors.Is(err, ErrInvalidSessionID) || !IsIOError(err) {
			t.Errorf("%q: expected invalid session IOError, got %v", id, err)
		}
	}
}

func TestFilePersister_RetryOverwrites(t *testing.T) {
	p := NewFilePersister(t.TempDir(), metrics.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	p.Persist(ctx, "s", sampleEntries()[:1])
	if err := p.Persist(ctx, "s", sampleEntries()); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(p.Path("s"))
	if n := strings.Count(string(data), "\n"); n != 3 {
		t.Errorf("expected 3 lines after retry, got %d", n)
	}
}

func openTestBadger(t *testing.T) (*BadgerPersister, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b, err := OpenBadger(BadgerOptions{InMemory: true}, m)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, m
}

func TestBadgerPersister_RoundTrip(t *testing.T) {
	b, m := openTestBadger(t)
	ctx := context.Background()

	if err := b.Persist(ctx, "sess-a", sampleEntries()); err != nil {
		t.Fatal(err)
	}
	if err := b.Persist(ctx, "sess-ab", sampleEntries()[:1]); err != nil {
		t.Fatal(err)
	}

	got, err := b.Load(ctx, "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	want := sampleEntries()
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].SpeakerID != want[i].SpeakerID || got[i].Text != want[i].Text || !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("entry %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if v := testutil.ToFloat64(m.PersistTotal.WithLabelValues("badger")); v != 2 {
		t.Errorf("expected 2 persists, got %v", v)
	}
}

func TestBadgerPersister_KeepsOrderBeyondNineEntries(t *testing.T) {
	b, _ := openTestBadger(t)
	ctx := context.Background()

	var entries []transcript.Entry
	for i := 0; i < 12; i++ {
		entries = append(entries, transcript.Entry{SpeakerID: "User1", Text: string(rune('a' + i)), Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	b.Persist(ctx, "long", entries)

	got, _ := b.Load(ctx, "long")
	for i := range entries {
		if got[i].Text != entries[i].Text {
			t.Fatalf("entry %d out of order: %q", i, got[i].Text)
		}
	}
}

func TestBadgerPersister_UnknownSessionIsEmpty(t *testing.T) {
	b, _ := openTestBadger(t)
	got, err := b.Load(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestOpenBadger_RequiresDir(t *testing.T) {
	if _, err := OpenBadger(BadgerOptions{}, nil); err == nil {
		t.Error("expected error without a directory")
	}
}

func TestMulti_AttemptsAllAndJoinsErrors(t *testing.T) {
	var calls []string
	ok := PersisterFunc(func(context.Context, string, []transcript.Entry) error {
		calls = append(calls, "ok")
		return nil
	})
	failing := PersisterFunc(func(context.Context, string, []transcript.Entry) error {
		calls = append(calls, "fail")
		return &IOError{Backend: "test", Op: "write", Err: errors.New("disk full")}
	})

	err := Multi(failing, nil, ok).Persist(context.Background(), "s", sampleEntries())
	if !IsIOError(err) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if strings.Join(calls, ",") != "fail,ok" {
		t.Errorf("expected every backend to be attempted, got %v", calls)
	}

	if err := Multi(ok, ok).Persist(context.Background(), "s", nil); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestIOError_Unwrap(t *testing.T) {
	cause := os.ErrPermission
	err := error(&IOError{Backend: "file", Op: "create", Err: cause})
	if !errors.Is(err, os.ErrPermission) {
		t.Error("IOError must unwrap to its cause")
	}
	if err.Error() != "persist file: create: "+cause.Error() {
		t.Errorf("unexpected message %q", err.Error())
	}
}
