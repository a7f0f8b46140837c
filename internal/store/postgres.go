package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// advisory lock namespace for per-sync-group tick capture serialization.
// hashSyncGroup folds the group name into the single int64 pg_advisory_xact_lock
// takes; collisions are acceptable (they only over-serialize, never corrupt).
func hashSyncGroup(syncGroup string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(syncGroup); i++ {
		h ^= uint64(syncGroup[i])
		h *= 1099511628211
	}
	return int64(h >> 1)
}

// Postgres is the production Gateway, backed by database/sql + lib/pq.
type Postgres struct {
	db       *sql.DB
	dsn      string
	log      *slog.Logger
	queryTO  time.Duration
	listener *pq.Listener
}

// Config configures a Postgres gateway.
type Config struct {
	DSN          string
	QueryTimeout time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to Postgres and verifies reachability.
func Open(cfg Config, log *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	to := cfg.QueryTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	return &Postgres{db: db, dsn: cfg.DSN, log: log, queryTO: to}, nil
}

func (p *Postgres) Close() error {
	if p.listener != nil {
		p.listener.Close()
	}
	return p.db.Close()
}

// Listen subscribes to tick_captured via pq.Listener and translates
// notifications into TickNotification values. The channel closes when ctx
// is canceled.
func (p *Postgres) Listen(ctx context.Context) (<-chan TickNotification, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.log.Error("tick_captured listener event", "error", err)
		}
	}
	listener := pq.NewListener(p.dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen("tick_captured"); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen tick_captured: %w", err)
	}
	p.listener = listener

	out := make(chan TickNotification, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					continue
				}
				var payload TickNotification
				if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
					p.log.Error("malformed tick_captured payload", "error", err)
					continue
				}
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				_ = listener.Ping()
			}
		}
	}()
	return out, nil
}

// CaptureTick implements the snapshot/evict/notify sequence under an
// advisory transaction lock scoped to syncGroup.
func (p *Postgres) CaptureTick(ctx context.Context, syncGroup string) (TickRecord, error) {
	start := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return TickRecord{}, fmt.Errorf("begin capture tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, hashSyncGroup(syncGroup)); err != nil {
		return TickRecord{}, fmt.Errorf("acquire tick lock: %w", err)
	}

	var group struct {
		TickRateMS     int64
		MaxBufferTicks int
	}
	err = tx.QueryRowContext(ctx,
		`SELECT tick_rate_ms, max_buffered_ticks FROM sync_groups WHERE name = $1`,
		syncGroup,
	).Scan(&group.TickRateMS, &group.MaxBufferTicks)
	if err != nil {
		return TickRecord{}, fmt.Errorf("load sync group: %w", err)
	}

	var prevNumber int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(tick_number), 0) FROM ticks WHERE sync_group = $1`,
		syncGroup,
	).Scan(&prevNumber)
	if err != nil {
		return TickRecord{}, fmt.Errorf("load prior tick number: %w", err)
	}

	var tickID string
	nextNumber := prevNumber + 1
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ticks (sync_group, tick_number, captured_at) VALUES ($1, $2, now()) RETURNING tick_id`,
		syncGroup, nextNumber,
	).Scan(&tickID)
	if err != nil {
		return TickRecord{}, fmt.Errorf("insert tick row: %w", err)
	}

	entityCount, err := snapshotInto(ctx, tx, "entity_snapshots", "entities", syncGroup, tickID)
	if err != nil {
		return TickRecord{}, fmt.Errorf("snapshot entities: %w", err)
	}
	scriptCount, err := snapshotInto(ctx, tx, "script_snapshots", "scripts", syncGroup, tickID)
	if err != nil {
		return TickRecord{}, fmt.Errorf("snapshot scripts: %w", err)
	}
	assetCount, err := snapshotInto(ctx, tx, "asset_snapshots", "assets", syncGroup, tickID)
	if err != nil {
		return TickRecord{}, fmt.Errorf("snapshot assets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ticks
		WHERE sync_group = $1
		  AND tick_id NOT IN (
		      SELECT tick_id FROM ticks
		      WHERE sync_group = $1
		      ORDER BY tick_number DESC
		      LIMIT $2
		  )`, syncGroup, group.MaxBufferTicks); err != nil {
		return TickRecord{}, fmt.Errorf("evict old ticks: %w", err)
	}

	elapsed := time.Since(start)
	isDelayed := elapsed.Milliseconds() > group.TickRateMS

	payload, _ := json.Marshal(TickNotification{SyncGroup: syncGroup, TickID: tickID, TickNumber: nextNumber})
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify('tick_captured', $1)`, string(payload)); err != nil {
		return TickRecord{}, fmt.Errorf("notify tick_captured: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TickRecord{}, fmt.Errorf("commit capture tx: %w", err)
	}

	return TickRecord{
		TickID:      tickID,
		SyncGroup:   syncGroup,
		TickNumber:  nextNumber,
		CapturedAt:  start,
		EntityCount: entityCount,
		ScriptCount: scriptCount,
		AssetCount:  assetCount,
		IsDelayed:   isDelayed,
		ElapsedMS:   elapsed.Milliseconds(),
	}, nil
}

// snapshotInto copies syncGroup's current rows of srcTable into
// dstTable tagged with tickID, returning the row count copied.
func snapshotInto(ctx context.Context, tx *sql.Tx, dstTable, srcTable, syncGroup, tickID string) (int, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tick_id, key, row_data)
		 SELECT $1, id, to_jsonb(t) FROM %s t WHERE sync_group = $2`, dstTable, srcTable),
		tickID, syncGroup)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) LatestTick(ctx context.Context, syncGroup string) (TickRecord, bool, error) {
	var rec TickRecord
	rec.SyncGroup = syncGroup
	err := p.db.QueryRowContext(ctx,
		`SELECT tick_id, tick_number, captured_at FROM ticks WHERE sync_group = $1 ORDER BY tick_number DESC LIMIT 1`,
		syncGroup,
	).Scan(&rec.TickID, &rec.TickNumber, &rec.CapturedAt)
	if err == sql.ErrNoRows {
		return TickRecord{}, false, nil
	}
	if err != nil {
		return TickRecord{}, false, fmt.Errorf("load latest tick: %w", err)
	}
	return rec, true, nil
}

func (p *Postgres) DiffEntities(ctx context.Context, syncGroup, fromTick, toTick string) ([]EntityDiff, error) {
	rows, err := diffSnapshots(ctx, p.db, "entity_snapshots", fromTick, toTick)
	if err != nil {
		return nil, fmt.Errorf("diff entities: %w", err)
	}
	out := make([]EntityDiff, 0, len(rows))
	for _, r := range rows {
		out = append(out, EntityDiff{EntityID: r.key, Op: r.op, Changes: r.changes})
	}
	return out, nil
}

func (p *Postgres) DiffScripts(ctx context.Context, syncGroup, fromTick, toTick string) ([]ScriptDiff, error) {
	rows, err := diffSnapshots(ctx, p.db, "script_snapshots", fromTick, toTick)
	if err != nil {
		return nil, fmt.Errorf("diff scripts: %w", err)
	}
	out := make([]ScriptDiff, 0, len(rows))
	for _, r := range rows {
		out = append(out, ScriptDiff{FileName: r.key, Op: r.op, Changes: r.changes})
	}
	return out, nil
}

func (p *Postgres) DiffAssets(ctx context.Context, syncGroup, fromTick, toTick string) ([]AssetDiff, error) {
	rows, err := diffSnapshots(ctx, p.db, "asset_snapshots", fromTick, toTick)
	if err != nil {
		return nil, fmt.Errorf("diff assets: %w", err)
	}
	out := make([]AssetDiff, 0, len(rows))
	for _, r := range rows {
		out = append(out, AssetDiff{FileName: r.key, Op: r.op, Changes: r.changes})
	}
	return out, nil
}

type snapshotRow struct {
	key     string
	op      Op
	changes map[string]any
}

// diffSnapshots compares two tick snapshots of one table key-by-key and
// returns only the fields whose value differs per row (field-level diff).
func diffSnapshots(ctx context.Context, db *sql.DB, table, fromTick, toTick string) ([]snapshotRow, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(a.key, b.key) AS key, a.row_data AS before, b.row_data AS after
		FROM (SELECT key, row_data FROM %s WHERE tick_id = $1) a
		FULL OUTER JOIN (SELECT key, row_data FROM %s WHERE tick_id = $2) b
		ON a.key = b.key`, table, table), fromTick, toTick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []snapshotRow
	for rows.Next() {
		var key string
		var before, after []byte
		if err := rows.Scan(&key, &before, &after); err != nil {
			return nil, err
		}
		switch {
		case before == nil && after != nil:
			var full map[string]any
			if err := json.Unmarshal(after, &full); err != nil {
				return nil, err
			}
			out = append(out, snapshotRow{key: key, op: OpInsert, changes: full})
		case before != nil && after == nil:
			out = append(out, snapshotRow{key: key, op: OpDelete})
		default:
			changes, err := fieldDiff(before, after)
			if err != nil {
				return nil, err
			}
			if len(changes) > 0 {
				out = append(out, snapshotRow{key: key, op: OpUpdate, changes: changes})
			}
		}
	}
	return out, rows.Err()
}

func fieldDiff(before, after []byte) (map[string]any, error) {
	var b, a map[string]any
	if err := json.Unmarshal(before, &b); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(after, &a); err != nil {
		return nil, err
	}
	changes := map[string]any{}
	for k, v := range a {
		if ov, ok := b[k]; !ok || !equalJSON(ov, v) {
			changes[k] = v
		}
	}
	return changes, nil
}

func equalJSON(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func (p *Postgres) Keyframe(ctx context.Context, syncGroup, agentID string) ([]Entity, error) {
	var entities []Entity
	err := p.withAgent(ctx, agentID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT e.id, e.name, e.version, e.metadata, e.script_names, e.asset_names, e.sync_group, e.load_priority
			FROM entities e
			JOIN visibility v ON v.entity_id = e.id
			WHERE e.sync_group = $1 AND v.agent_id = $2`, syncGroup, agentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entity
			var meta []byte
			if err := rows.Scan(&e.ID, &e.Name, &e.Version, &meta, pq.Array(&e.ScriptNames), pq.Array(&e.AssetNames), &e.SyncGroup, &e.LoadPriority); err != nil {
				return err
			}
			if len(meta) > 0 {
				_ = json.Unmarshal(meta, &e.Metadata)
			}
			entities = append(entities, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("keyframe: %w", err)
	}
	return entities, nil
}

func (p *Postgres) KeyframeScripts(ctx context.Context, syncGroup, agentID string) ([]Script, error) {
	var scripts []Script
	err := p.withAgent(ctx, agentID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT s.file_name, s.sync_group, s.source_text, s.compiled_text, s.compile_status
			FROM scripts s
			JOIN script_visibility v ON v.file_name = s.file_name
			WHERE s.sync_group = $1 AND v.agent_id = $2`, syncGroup, agentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s Script
			if err := rows.Scan(&s.FileName, &s.SyncGroup, &s.SourceText, &s.CompiledText, &s.CompileStatus); err != nil {
				return err
			}
			scripts = append(scripts, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("keyframe scripts: %w", err)
	}
	return scripts, nil
}

// withAgent runs fn inside a transaction that has set the acting agent's
// GUC first. Keyframe, KeyframeScripts and ExecuteAs go through this; tick
// capture, diffing, LatestTick, ValidateSession and Touch use the pool
// without an agent GUC.
func (p *Postgres) withAgent(ctx context.Context, agentID string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.agent_id', $1, true)`, agentID); err != nil {
		return fmt.Errorf("set agent guc: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ExecuteAs runs sql/params under agentID's GUC and returns the result rows
// as generic maps, keyed by column name.
func (p *Postgres) ExecuteAs(ctx context.Context, agentID, query string, params []any) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTO)
	defer cancel()

	var out []Row
	err := p.withAgent(ctx, agentID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, params...)
		if err != nil {
			return err
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := Row{}
			for i, c := range cols {
				row[c] = vals[i]
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("execute as %s: %w", agentID, err)
	}
	return out, nil
}

func (p *Postgres) ValidateSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	var rec SessionRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, token, provider, sync_group, perms, started_at, last_seen, expires_at, is_active
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&rec.SessionID, &rec.AgentID, &rec.Token, &rec.Provider, &rec.SyncGroup, &rec.Perms, &rec.StartedAt, &rec.LastSeen, &rec.ExpiresAt, &rec.IsActive)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("validate session: %w", err)
	}
	return rec, rec.Valid(time.Now()), nil
}

func (p *Postgres) Touch(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE sessions SET last_seen = now() WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
