package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/transcript"
)

const badgerBackend = "badger"

// BadgerOptions configures the BadgerDB archive.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool
}

// BadgerPersister stores transcripts in BadgerDB under
// transcript/<sessionID>/<index>, one JSON entry per key.
type BadgerPersister struct {
	db      *badger.DB
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// OpenBadger opens (or creates) the archive.
func OpenBadger(opts BadgerOptions, m *metrics.Metrics) (*BadgerPersister, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("persist: BadgerOptions.Dir is required for on-disk mode")
	}
	logger := logging.WithComponent("persist.badger")

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{logger})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &IOError{Backend: badgerBackend, Op: "open", Err: err}
	}
	return &BadgerPersister{db: db, metrics: m, logger: logger}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte("transcript/" + sessionID + "/")
}

func entryKey(sessionID string, index int) []byte {
	return []byte(fmt.Sprintf("transcript/%s/%08d", sessionID, index))
}

// Persist implements Persister. Entries from an earlier attempt for the same
// session are overwritten.
func (b *BadgerPersister) Persist(ctx context.Context, sessionID string, entries []transcript.Entry) (err error) {
	start := time.Now()
	defer func() { record(b.metrics, badgerBackend, start, err) }()

	if err := validSessionID(sessionID); err != nil {
		return &IOError{Backend: badgerBackend, Op: "key", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &IOError{Backend: badgerBackend, Op: "write", Err: err}
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for i, e := range entries {
		val, err := json.Marshal(e)
		if err != nil {
			return &IOError{Backend: badgerBackend, Op: "encode", Err: err}
		}
		if err := wb.Set(entryKey(sessionID, i), val); err != nil {
			return &IOError{Backend: badgerBackend, Op: "write", Err: err}
		}
	}
	if err := wb.Flush(); err != nil {
		return &IOError{Backend: badgerBackend, Op: "flush", Err: err}
	}

	b.logger.Info().
		Str("sessionId", sessionID).
		Int("entries", len(entries)).
		Msg("Transcript archived")
	return nil
}

// Load implements Archive. Entries come back in append order.
func (b *BadgerPersister) Load(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	prefix := sessionPrefix(sessionID)

	var entries []transcript.Entry
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e transcript.Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, &IOError{Backend: badgerBackend, Op: "read", Err: err}
	}
	return entries, nil
}

// Close closes the database.
func (b *BadgerPersister) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger output through zerolog, keeping info and debug
// chatter at debug level.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.logger.Error().Msgf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.logger.Warn().Msgf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.logger.Debug().Msgf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.logger.Trace().Msgf(f, v...) }
