// Package pb holds the admin/ops surface's request/response shapes and
// service interface, hand-written in the style of generated protobuf code
// rather than produced by protoc — the same shallow convention the teacher
// repo's own pb package uses for its ledger/plan service types.
package pb

import "context"

// SessionGroupStat is one sync group's live session count.
type SessionGroupStat struct {
	SyncGroup string
	Count     int32
}

// StatsRequest carries no fields; stats are always global.
type StatsRequest struct{}

// StatsResponse reports the Session Registry and circuit breaker state.
type StatsResponse struct {
	TotalSessions int32
	ByGroup       []*SessionGroupStat
	Health        string
	Breakers      map[string]string
}

// InvalidateSessionRequest names a session to forcibly close.
type InvalidateSessionRequest struct {
	SessionId string
}

type InvalidateSessionResponse struct {
	Success bool
	Message string
}

// AdminServiceServer is the ops surface's service contract.
type AdminServiceServer interface {
	GetStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
	InvalidateSession(ctx context.Context, req *InvalidateSessionRequest) (*InvalidateSessionResponse, error)
}

// UnimplementedAdminServiceServer can be embedded to satisfy
// AdminServiceServer without implementing every method, the way the
// teacher's UnimplementedPlanServiceServer does.
type UnimplementedAdminServiceServer struct{}

func (UnimplementedAdminServiceServer) GetStats(context.Context, *StatsRequest) (*StatsResponse, error) {
	return nil, nil
}

func (UnimplementedAdminServiceServer) InvalidateSession(context.Context, *InvalidateSessionRequest) (*InvalidateSessionResponse, error) {
	return nil, nil
}
