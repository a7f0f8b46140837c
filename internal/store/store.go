// Package store is the typed interface over the authoritative relational
// store: tick capture, diffing, keyframes, agent-scoped query execution, and
// session validation. Client queries (ExecuteAs) and keyframe reads run
// inside a transaction that first installs the acting agent's identity;
// tick capture runs in its own transaction without an agent identity, and
// Touch updates last-seen-at as a single statement outside any transaction.
package store

import "context"

// Gateway is the Store Gateway contract. Implementations: Postgres (prod),
// in-memory fake (tests).
type Gateway interface {
	// CaptureTick advances syncGroup's tick cursor by one, snapshotting the
	// current Entity/Script/Asset rows and evicting ticks past the group's
	// buffered-tick bound. Notifies tick_captured on commit.
	CaptureTick(ctx context.Context, syncGroup string) (TickRecord, error)

	DiffEntities(ctx context.Context, syncGroup, fromTick, toTick string) ([]EntityDiff, error)
	DiffScripts(ctx context.Context, syncGroup, fromTick, toTick string) ([]ScriptDiff, error)
	DiffAssets(ctx context.Context, syncGroup, fromTick, toTick string) ([]AssetDiff, error)

	// Keyframe returns every entity in syncGroup currently visible to agentID.
	Keyframe(ctx context.Context, syncGroup, agentID string) ([]Entity, error)
	KeyframeScripts(ctx context.Context, syncGroup, agentID string) ([]Script, error)

	// ExecuteAs runs sql/params under agentID's GUC inside its own
	// transaction, committing on success and rolling back on any failure.
	ExecuteAs(ctx context.Context, agentID, sql string, params []any) ([]Row, error)

	// ValidateSession looks up (sessionId, is_active, not_expired).
	ValidateSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)

	// Touch updates a session's last-seen-at, keeping it alive.
	Touch(ctx context.Context, sessionID string) error

	// LatestTick returns the most recently captured tick for syncGroup, or
	// the zero TickRecord with ok=false if the group has never ticked. The
	// scheduler uses this to recover its cursor on start.
	LatestTick(ctx context.Context, syncGroup string) (TickRecord, bool, error)

	// Listen subscribes to tick_captured notifications. The returned channel
	// is closed when ctx is done or the underlying listener fails
	// unrecoverably.
	Listen(ctx context.Context) (<-chan TickNotification, error)

	Close() error
}

// TickNotification is the payload of a tick_captured notification.
type TickNotification struct {
	SyncGroup  string
	TickID     string
	TickNumber int64
}
