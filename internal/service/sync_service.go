package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/tallyhq/tally/internal/syncqueue"
	"github.com/tallyhq/tally/pkg/api"
)

const (
	SyncServicePath = "/tally.v1.SyncService/"

	SyncNowProcedure       = SyncServicePath + "SyncNow"
	SyncStatusProcedure    = SyncServicePath + "Status"
	SyncSetOnlineProcedure = SyncServicePath + "SetOnline"
)

// SyncService exposes the sync queue for manual flushes, status polling,
// and connectivity signals.
type SyncService struct {
	queue *syncqueue.Queue
}

func NewSyncService(queue *syncqueue.Queue) *SyncService {
	return &SyncService{queue: queue}
}

// NewSyncServiceHandler mounts the sync procedures on a single handler,
// returning the path prefix to register it under.
func NewSyncServiceHandler(svc *SyncService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(SyncNowProcedure, connect.NewUnaryHandler(SyncNowProcedure, svc.SyncNow, opts...))
	mux.Handle(SyncStatusProcedure, connect.NewUnaryHandler(SyncStatusProcedure, svc.Status, opts...))
	mux.Handle(SyncSetOnlineProcedure, connect.NewUnaryHandler(SyncSetOnlineProcedure, svc.SetOnline, opts...))
	return SyncServicePath, mux
}

// SyncNow runs a flush cycle and reports the resulting state. Offline it
// is a no-op that still reports status.
func (s *SyncService) SyncNow(ctx context.Context, req *connect.Request[api.SyncNowRequest]) (*connect.Response[api.SyncNowResponse], error) {
	if err := s.queue.Flush(ctx); err != nil {
		slog.Warn("Manual sync failed", "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&api.SyncNowResponse{
		State:   s.queue.State().String(),
		Pending: pending,
	}), nil
}

// Status reports the queue state without touching the network.
func (s *SyncService) Status(ctx context.Context, req *connect.Request[api.SyncStatusRequest]) (*connect.Response[api.SyncStatusResponse], error) {
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	dead, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&api.SyncStatusResponse{
		State:       s.queue.State().String(),
		Online:      s.queue.Online(),
		Pending:     pending,
		DeadLetters: len(dead),
	}), nil
}

// SetOnline delivers a connectivity signal from the client.
func (s *SyncService) SetOnline(ctx context.Context, req *connect.Request[api.SetOnlineRequest]) (*connect.Response[api.SetOnlineResponse], error) {
	s.queue.SetOnline(req.Msg.Online)
	return connect.NewResponse(&api.SetOnlineResponse{State: s.queue.State().String()}), nil
}
