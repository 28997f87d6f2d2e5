package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	buildpb "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/buildlog-io/buildlog/internal/invocation"
	"github.com/buildlog-io/buildlog/internal/metrics"
)

const (
	// ackChannelCapacity bounds the outbound ack queue per stream; a slow
	// receiver backpressures message processing rather than growing memory.
	ackChannelCapacity = 128

	// maxRecvMsgSize is the largest inbound decoded message accepted. Bazel
	// progress events can carry multi-megabyte output chunks.
	maxRecvMsgSize = 10 * 1024 * 1024

	tcpKeepAlive      = 20 * time.Second
	http2KeepAlive    = 20 * time.Second
	http2KeepAliveTTL = 30 * time.Second
)

// Server is the PublishBuildEvent gRPC service. Each inbound stream gets its
// own goroutine (courtesy of grpc-go) and its own Session.
type Server struct {
	buildpb.UnimplementedPublishBuildEventServer

	store      invocation.Store
	chain      Dispatcher
	notifier   Notifier
	spanEvents *atomic.Bool
	reg        *metrics.Registry
	lockTime   time.Duration
	logger     *slog.Logger

	grpcServer *grpc.Server
}

// NewServer creates the ingest server with transport tunings applied. The
// logger is the process logger, so the admin log-filter handle retunes this
// component too; nil falls back to slog.Default.
func NewServer(store invocation.Store, chain Dispatcher, reg *metrics.Registry, lockTime time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    store,
		chain:    chain,
		reg:      reg,
		lockTime: lockTime,
		logger:   logger,
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    http2KeepAlive,
			Timeout: http2KeepAliveTTL,
		}),
	)

	buildpb.RegisterPublishBuildEventServer(s.grpcServer, s)

	return s
}

// SetNotifier attaches a completion notifier handed to every session.
func (s *Server) SetNotifier(n Notifier) { s.notifier = n }

// SetSpanEvents installs the toggle gating span-close log records, mutated
// live by the admin surface.
func (s *Server) SetSpanEvents(enabled *atomic.Bool) { s.spanEvents = enabled }

// Serve listens on addr and serves until Shutdown. TCP keepalive matches the
// HTTP/2 keepalive interval.
func (s *Server) Serve(addr string) error {
	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}

	lis, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.logger.Info("Ingest server listening", slog.String("addr", addr))

	return s.grpcServer.Serve(lis)
}

// Shutdown stops accepting streams and waits for in-flight ones.
func (s *Server) Shutdown() {
	s.grpcServer.GracefulStop()
}

// PublishLifecycleEvent acknowledges lifecycle events without side effects;
// the build-tool event stream is the authoritative input.
func (s *Server) PublishLifecycleEvent(_ context.Context, _ *buildpb.PublishLifecycleEventRequest) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

// PublishBuildToolEventStream is the ingest hot path: read messages in
// order, feed them through the session, and ack each sequence number in the
// same order through a bounded channel drained by a sender goroutine.
func (s *Server) PublishBuildToolEventStream(stream buildpb.PublishBuildEvent_PublishBuildToolEventStreamServer) error {
	s.reg.StreamsTotal.Inc()
	s.reg.ActiveStreams.Inc()
	defer s.reg.ActiveStreams.Dec()

	ctx := stream.Context()
	session := NewSession(s.store, s.chain, s.lockTime, s.logger)
	if s.notifier != nil {
		session.SetNotifier(s.notifier)
	}

	start := time.Now()

	defer func() {
		if s.spanEvents != nil && s.spanEvents.Load() {
			s.logger.Info("Stream span closed",
				slog.String("invocation_id", session.InvocationID()),
				slog.Duration("duration", time.Since(start)),
				slog.Bool("finished", session.Finished()))
		}
	}()

	acks := make(chan *buildpb.PublishBuildToolEventStreamResponse, ackChannelCapacity)
	senderDone := make(chan struct{})

	var senderErr error

	go func() {
		defer close(senderDone)

		for resp := range acks {
			if err := stream.Send(resp); err != nil {
				senderErr = err

				// Drain so the reader never blocks on a dead sender.
				for range acks {
				}

				return
			}
		}
	}()

	err := s.readLoop(ctx, stream, session, acks, senderDone)

	close(acks)
	<-senderDone

	if err == nil && senderErr != nil {
		err = s.failStream(ctx, session, senderErr)
	}

	return err
}

func (s *Server) readLoop(
	ctx context.Context,
	stream buildpb.PublishBuildEvent_PublishBuildToolEventStreamServer,
	session *Session,
	acks chan<- *buildpb.PublishBuildToolEventStreamResponse,
	senderDone <-chan struct{},
) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !session.Finished() {
				return s.failStream(ctx, session, errors.New("stream closed before terminal event"))
			}

			return nil
		}

		if err != nil {
			return s.failStream(ctx, session, err)
		}

		if err := session.HandleMessage(ctx, req); err != nil {
			s.recordStreamError(status.Code(err))
			s.logError(session, err)

			if cleanupErr := session.Cleanup(ctx); cleanupErr != nil {
				s.logger.Error("Session cleanup failed",
					slog.String("invocation_id", session.InvocationID()),
					slog.String("error", cleanupErr.Error()))
			}

			return err
		}

		ack := &buildpb.PublishBuildToolEventStreamResponse{
			StreamId:       req.GetOrderedBuildEvent().GetStreamId(),
			SequenceNumber: req.GetOrderedBuildEvent().GetSequenceNumber(),
		}

		select {
		case acks <- ack:
		case <-senderDone:
			// The sender only exits mid-stream on a send failure.
			return s.failStream(ctx, session, errors.New("ack receiver dropped"))
		case <-ctx.Done():
			return s.failStream(ctx, session, ctx.Err())
		}
	}
}

// failStream classifies a transport-level failure, cleans up, and returns
// the status to surface. Broken pipes are routine client disconnects.
func (s *Server) failStream(ctx context.Context, session *Session, err error) error {
	var code codes.Code

	if isBrokenPipe(err) {
		code = codes.Aborted

		s.logger.Warn("Client disconnected",
			slog.String("invocation_id", session.InvocationID()),
			slog.String("error", err.Error()))
	} else {
		code = status.Code(err)
		if code == codes.OK || code == codes.Unknown {
			code = codes.Internal
		}

		s.logger.Error("Stream failed",
			slog.String("invocation_id", session.InvocationID()),
			slog.String("error", err.Error()))
	}

	s.recordStreamError(code)

	// The stream context may already be dead; cleanup gets its own.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if cleanupErr := session.Cleanup(cleanupCtx); cleanupErr != nil {
		s.logger.Error("Session cleanup failed",
			slog.String("invocation_id", session.InvocationID()),
			slog.String("error", cleanupErr.Error()))
	}

	return status.Error(code, err.Error())
}

func (s *Server) recordStreamError(code codes.Code) {
	s.reg.StreamErrors.WithLabelValues(code.String()).Inc()
}

func (s *Server) logError(session *Session, err error) {
	s.logger.Error("Stream rejected",
		slog.String("invocation_id", session.InvocationID()),
		slog.String("code", status.Code(err).String()),
		slog.String("error", err.Error()))
}

// isBrokenPipe matches the disconnect phrasings peers produce when they go
// away mid-stream.
func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "client disconnected")
}
