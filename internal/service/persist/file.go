package persist

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/transcript"
)

const fileBackend = "file"

// FilePersister writes each transcript to <Dir>/<sessionID>.txt, one rendered
// entry per line. The file is replaced atomically so a retry never leaves a
// truncated transcript behind.
type FilePersister struct {
	dir     string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewFilePersister creates a persister writing into dir.
func NewFilePersister(dir string, m *metrics.Metrics) *FilePersister {
	return &FilePersister{
		dir:     dir,
		metrics: m,
		logger:  logging.WithComponent("persist.file"),
	}
}

// Path returns the file a session's transcript is written to.
func (p *FilePersister) Path(sessionID string) string {
	return filepath.Join(p.dir, sessionID+".txt")
}

// Persist implements Persister.
func (p *FilePersister) Persist(ctx context.Context, sessionID string, entries []transcript.Entry) (err error) {
	start := time.Now()
	defer func() { record(p.metrics, fileBackend, start, err) }()

	if err := validSessionID(sessionID); err != nil {
		return &IOError{Backend: fileBackend, Op: "path", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &IOError{Backend: fileBackend, Op: "write", Err: err}
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return &IOError{Backend: fileBackend, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(p.dir, sessionID+".*.tmp")
	if err != nil {
		return &IOError{Backend: fileBackend, Op: "create", Err: err}
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if _, err := w.WriteString(e.String() + "\n"); err != nil {
			tmp.Close()
			return &IOError{Backend: fileBackend, Op: "write", Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return &IOError{Backend: fileBackend, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IOError{Backend: fileBackend, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Backend: fileBackend, Op: "close", Err: err}
	}

	path := p.Path(sessionID)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &IOError{Backend: fileBackend, Op: "rename", Err: err}
	}

	p.logger.Info().
		Str("sessionId", sessionID).
		Str("path", path).
		Int("entries", len(entries)).
		Msg("Transcript written")
	return nil
}

func validSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ErrInvalidSessionID
	}
	return nil
}
