// Package admin is the ops surface for the sync core: a stats/invalidate
// gRPC service (secured with SPIFFE/mTLS when identity is enabled) plus a
// JSON/HTTP mirror of the same two operations for curl-friendly ops access
// and a Prometheus /metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/ocx/syncworld/internal/admin/pb"
	"github.com/ocx/syncworld/internal/circuitbreaker"
	"github.com/ocx/syncworld/internal/identity"
	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/session"
)

// Server implements pb.AdminServiceServer against the live Session Registry
// and the process's circuit breaker set.
type Server struct {
	pb.UnimplementedAdminServiceServer

	registry *session.Registry
	breakers *circuitbreaker.Breakers
	log      *slog.Logger
}

func NewServer(registry *session.Registry, breakers *circuitbreaker.Breakers, log *slog.Logger) *Server {
	return &Server{registry: registry, breakers: breakers, log: log}
}

func (s *Server) GetStats(ctx context.Context, _ *pb.StatsRequest) (*pb.StatsResponse, error) {
	counts := s.registry.CountByGroup()
	byGroup := make([]*pb.SessionGroupStat, 0, len(counts))
	var total int32
	for group, n := range counts {
		byGroup = append(byGroup, &pb.SessionGroupStat{SyncGroup: group, Count: int32(n)})
		total += int32(n)
	}
	health, states := s.breakers.HealthStatus()
	return &pb.StatsResponse{
		TotalSessions: total,
		ByGroup:       byGroup,
		Health:        health,
		Breakers:      states,
	}, nil
}

func (s *Server) InvalidateSession(ctx context.Context, req *pb.InvalidateSessionRequest) (*pb.InvalidateSessionResponse, error) {
	if req.SessionId == "" {
		return &pb.InvalidateSessionResponse{Success: false, Message: "sessionId required"}, nil
	}
	if err := s.registry.RemoveAndClose(req.SessionId); err != nil {
		return &pb.InvalidateSessionResponse{Success: false, Message: err.Error()}, nil
	}
	return &pb.InvalidateSessionResponse{Success: true}, nil
}

// HTTPHandler exposes GetStats/InvalidateSession as JSON endpoints plus a
// Prometheus scrape target, for ops tooling that would rather curl than
// carry a gRPC client.
func (s *Server) HTTPHandler(m *metrics.Metrics) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/sessions/{sessionId}", s.handleInvalidate).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, _ := s.GetStats(r.Context(), &pb.StatsRequest{})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	resp, _ := s.InvalidateSession(r.Context(), &pb.InvalidateSessionRequest{SessionId: sessionID})
	w.Header().Set("Content-Type", "application/json")
	if !resp.Success {
		w.WriteHeader(http.StatusNotFound)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeGRPC starts the admin gRPC listener, registers srv on it, and secures
// it with SPIFFE/mTLS when verifier is non-nil. It returns once the
// listener is bound; Serve runs in its own goroutine so callers can wire
// graceful shutdown against the returned *grpc.Server.
func ServeGRPC(addr string, srv pb.AdminServiceServer, verifier *identity.Verifier, trustDomain string, log *slog.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if verifier != nil {
		creds, err := verifier.ServerCredentials(trustDomain)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterAdminServiceServer(grpcServer, srv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		log.Info("admin: gRPC surface listening", "addr", addr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Warn("admin: gRPC server stopped", "error", err)
		}
	}()

	return grpcServer, nil
}
