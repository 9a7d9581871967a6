package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "speaker-transcript-service/internal/api/grpc"
	"speaker-transcript-service/internal/service/transcript"
)

type options struct {
	addr    string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "recordctl",
		Short:         "Control the speaker transcript service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("RECORDCTL_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:50051"
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "service gRPC address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		unaryCmd(opts, "start", "Start a recording session", (*grpcapi.Client).StartRecording),
		unaryCmd(opts, "stop", "Stop the session and persist its transcript", (*grpcapi.Client).StopRecording),
		unaryCmd(opts, "transcript", "Print the current transcript", (*grpcapi.Client).GetTranscript),
		unaryCmd(opts, "retry-persist", "Persist a stopped session again", (*grpcapi.Client).RetryPersist),
		watchCmd(opts),
	)
	return root
}

type call func(*grpcapi.Client, context.Context, ...grpc.CallOption) (*structpb.Struct, error)

func unaryCmd(opts *options, use, short string, fn call) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := dial(opts.addr)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			resp, err := fn(client, ctx)
			if err != nil {
				if snap, ok := grpcapi.SnapshotFromError(err); ok {
					_ = printSnapshot(cmd.OutOrStdout(), snap, opts.json)
				}
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), resp, opts.json)
		},
	}
}

func watchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow entries as they are appended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := dial(opts.addr)
			if err != nil {
				return err
			}
			defer closeConn()

			stream, err := client.WatchTranscript(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for {
				msg, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if opts.json {
					fmt.Fprintln(out, protojson.Format(msg))
					continue
				}
				fmt.Fprintln(out, formatEntry(msg))
			}
		},
	}
}

func dial(addr string) (*grpcapi.Client, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return grpcapi.NewClient(conn), func() { conn.Close() }, nil
}

func printSnapshot(w io.Writer, s *structpb.Struct, raw bool) error {
	if raw {
		b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	f := s.GetFields()
	fmt.Fprintf(w, "session %s  %s\n", f["sessionId"].GetStringValue(), f["state"].GetStringValue())
	if e := f["error"].GetStringValue(); e != "" {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, v := range f["entries"].GetListValue().GetValues() {
		fmt.Fprintln(w, formatEntry(v.GetStructValue()))
	}
	return nil
}

// formatEntry renders an entry as "[timestamp] speaker: text". Snapshot
// entries carry RFC 3339 timestamps, streamed entries unix milliseconds.
func formatEntry(s *structpb.Struct) string {
	f := s.GetFields()
	var ts string
	switch v := f["timestamp"].GetKind().(type) {
	case *structpb.Value_StringValue:
		if t, err := time.Parse(time.RFC3339Nano, v.StringValue); err == nil {
			ts = t.Local().Format(transcript.TimestampLayout)
		} else {
			ts = v.StringValue
		}
	case *structpb.Value_NumberValue:
		ts = time.UnixMilli(int64(v.NumberValue)).Format(transcript.TimestampLayout)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, f["speakerId"].GetStringValue(), f["text"].GetStringValue())
}
