package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"speaker-transcript-service/internal/app"
	"speaker-transcript-service/internal/models"
	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/service/persist"
	"speaker-transcript-service/internal/service/session"
	"speaker-transcript-service/internal/service/transcript"
)

// watchBuffer is how many entries a watcher may lag before it is cut off.
const watchBuffer = 64

// Server implements RecorderServer on top of the application.
type Server struct {
	app    *app.Application
	logger zerolog.Logger

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool
}

type watcher struct {
	ch     chan *structpb.Struct
	lagged atomic.Bool
}

// Register creates the recorder service, subscribes it to transcript entries
// and registers it with g.
func Register(g *grpc.Server, application *app.Application) *Server {
	s := &Server{
		app:      application,
		logger:   logging.WithComponent("grpc.recorder"),
		watchers: make(map[*watcher]struct{}),
	}
	application.AddObserver(s.observer)
	g.RegisterService(&RecorderServiceDesc, s)
	return s
}

// StartRecording starts a new session.
func (s *Server) StartRecording(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sess, err := s.app.StartRecording(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(app.SnapshotOf(sess))
}

// StopRecording stops the current session. A persistence failure is
// reported as Unavailable with the stopped session's snapshot attached as a
// status detail; the transcript is kept for RetryPersist.
func (s *Server) StopRecording(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sess, err := s.app.StopRecording(ctx)
	if err != nil {
		return nil, s.withSnapshot(toStatus(err), sess)
	}
	return toStruct(app.SnapshotOf(sess))
}

// GetTranscript returns the current session and its transcript so far.
func (s *Server) GetTranscript(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.app.Snapshot()
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(snap)
}

// RetryPersist persists a stopped session again.
func (s *Server) RetryPersist(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sess, err := s.app.RetryPersist(ctx)
	if err != nil {
		return nil, s.withSnapshot(toStatus(err), sess)
	}
	return toStruct(app.SnapshotOf(sess))
}

// WatchTranscript streams every entry appended after the call, across
// sessions, until the client goes away or the server closes.
func (s *Server) WatchTranscript(_ *emptypb.Empty, stream grpc.ServerStream) error {
	w := &watcher{ch: make(chan *structpb.Struct, watchBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "server shutting down")
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	defer s.unsubscribe(w)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-w.ch:
			if !ok {
				if w.lagged.Load() {
					return status.Error(codes.ResourceExhausted, "watcher fell behind")
				}
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) observer(sessionID string) transcript.Observer {
	var index atomic.Int64
	return transcript.ObserverFunc(func(e transcript.Entry) {
		i := int(index.Add(1) - 1)
		msg, err := toStruct(models.NewTranscriptEntry(sessionID, i, e))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to convert entry")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for w := range s.watchers {
			select {
			case w.ch <- msg:
			default:
				w.lagged.Store(true)
				delete(s.watchers, w)
				close(w.ch)
			}
		}
	})
}

func (s *Server) unsubscribe(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[w]; ok {
		delete(s.watchers, w)
		close(w.ch)
	}
}

// Close ends every watch stream.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for w := range s.watchers {
		delete(s.watchers, w)
		close(w.ch)
	}
}

// withSnapshot attaches the snapshot of sess to a status error. Without a
// session the error is returned unchanged.
func (s *Server) withSnapshot(err error, sess *session.Session) error {
	if sess == nil {
		return err
	}
	snap, cerr := toStruct(app.SnapshotOf(sess))
	if cerr != nil {
		return err
	}
	st, derr := status.Convert(err).WithDetails(snap)
	if derr != nil {
		s.logger.Warn().Err(derr).Msg("Failed to attach snapshot to status")
		return err
	}
	return st.Err()
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrInvalidStateTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, app.ErrNoSession):
		return status.Error(codes.NotFound, err.Error())
	case persist.IsIOError(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts a JSON-tagged value to a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
