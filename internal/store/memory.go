package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Gateway fake for tests, the way the teacher's
// protocol.InMemorySessionStore stands in for persistence.
type Memory struct {
	mu sync.Mutex

	groups   map[string]groupConfig
	entities map[string]map[string]Entity // syncGroup -> entityID -> Entity
	scripts  map[string]map[string]Script
	assets   map[string]map[string]Asset
	visible  map[string]map[string]bool // syncGroup|agentID -> entityID -> true

	ticks        map[string][]TickRecord          // syncGroup -> ticks, ascending
	snapEntities map[string]map[string]Entity     // tickID -> entityID -> Entity
	snapScripts  map[string]map[string]Script     // tickID -> fileName -> Script
	snapAssets   map[string]map[string]Asset      // tickID -> fileName -> Asset
	sessions     map[string]SessionRecord

	notify chan TickNotification
}

type groupConfig struct {
	TickRateMS     int64
	MaxBufferTicks int
}

func NewMemory() *Memory {
	return &Memory{
		groups:       map[string]groupConfig{},
		entities:     map[string]map[string]Entity{},
		scripts:      map[string]map[string]Script{},
		assets:       map[string]map[string]Asset{},
		visible:      map[string]map[string]bool{},
		ticks:        map[string][]TickRecord{},
		snapEntities: map[string]map[string]Entity{},
		snapScripts:  map[string]map[string]Script{},
		snapAssets:   map[string]map[string]Asset{},
		sessions:     map[string]SessionRecord{},
		notify:       make(chan TickNotification, 64),
	}
}

// SeedGroup registers a sync group's tick config. Test helper.
func (m *Memory) SeedGroup(syncGroup string, tickRateMS int64, maxBuffered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[syncGroup] = groupConfig{TickRateMS: tickRateMS, MaxBufferTicks: maxBuffered}
}

// PutEntity upserts an entity and its visibility set. Test helper.
func (m *Memory) PutEntity(e Entity, visibleToAgents ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities[e.SyncGroup] == nil {
		m.entities[e.SyncGroup] = map[string]Entity{}
	}
	m.entities[e.SyncGroup][e.ID] = e
	for _, agentID := range visibleToAgents {
		key := e.SyncGroup + "|" + agentID
		if m.visible[key] == nil {
			m.visible[key] = map[string]bool{}
		}
		m.visible[key][e.ID] = true
	}
}

// PutScript upserts a script. Test helper.
func (m *Memory) PutScript(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scripts[s.SyncGroup] == nil {
		m.scripts[s.SyncGroup] = map[string]Script{}
	}
	m.scripts[s.SyncGroup][s.FileName] = s
}

// PutSession upserts a session row. Test helper.
func (m *Memory) PutSession(s SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
}

func (m *Memory) CaptureTick(ctx context.Context, syncGroup string) (TickRecord, error) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.groups[syncGroup]
	if !ok {
		return TickRecord{}, fmt.Errorf("unknown sync group %q", syncGroup)
	}

	var prevNumber int64
	existing := m.ticks[syncGroup]
	if len(existing) > 0 {
		prevNumber = existing[len(existing)-1].TickNumber
	}

	tickID := uuid.NewString()
	snapE := map[string]Entity{}
	for id, e := range m.entities[syncGroup] {
		snapE[id] = e
	}
	snapS := map[string]Script{}
	for id, s := range m.scripts[syncGroup] {
		snapS[id] = s
	}
	snapA := map[string]Asset{}
	for id, a := range m.assets[syncGroup] {
		snapA[id] = a
	}
	m.snapEntities[tickID] = snapE
	m.snapScripts[tickID] = snapS
	m.snapAssets[tickID] = snapA

	elapsed := time.Since(start)
	rec := TickRecord{
		TickID:      tickID,
		SyncGroup:   syncGroup,
		TickNumber:  prevNumber + 1,
		CapturedAt:  start,
		EntityCount: len(snapE),
		ScriptCount: len(snapS),
		AssetCount:  len(snapA),
		IsDelayed:   elapsed.Milliseconds() > cfg.TickRateMS,
		ElapsedMS:   elapsed.Milliseconds(),
	}
	m.ticks[syncGroup] = append(m.ticks[syncGroup], rec)

	if len(m.ticks[syncGroup]) > cfg.MaxBufferTicks {
		evicted := m.ticks[syncGroup][0]
		m.ticks[syncGroup] = m.ticks[syncGroup][1:]
		delete(m.snapEntities, evicted.TickID)
		delete(m.snapScripts, evicted.TickID)
		delete(m.snapAssets, evicted.TickID)
	}

	select {
	case m.notify <- TickNotification{SyncGroup: syncGroup, TickID: tickID, TickNumber: rec.TickNumber}:
	default:
	}

	return rec, nil
}

func (m *Memory) LatestTick(ctx context.Context, syncGroup string) (TickRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticks := m.ticks[syncGroup]
	if len(ticks) == 0 {
		return TickRecord{}, false, nil
	}
	return ticks[len(ticks)-1], true, nil
}

func (m *Memory) DiffEntities(ctx context.Context, syncGroup, fromTick, toTick string) ([]EntityDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, after := m.snapEntities[fromTick], m.snapEntities[toTick]
	var out []EntityDiff
	seen := map[string]bool{}
	for id, a := range after {
		seen[id] = true
		b, existed := before[id]
		if !existed {
			out = append(out, EntityDiff{EntityID: id, Op: OpInsert, Changes: map[string]any{"name": a.Name, "version": a.Version}})
			continue
		}
		if changes := diffEntityFields(b, a); len(changes) > 0 {
			out = append(out, EntityDiff{EntityID: id, Op: OpUpdate, Changes: changes})
		}
	}
	for id := range before {
		if !seen[id] {
			out = append(out, EntityDiff{EntityID: id, Op: OpDelete})
		}
	}
	return out, nil
}

func diffEntityFields(before, after Entity) map[string]any {
	changes := map[string]any{}
	if before.Name != after.Name {
		changes["name"] = after.Name
	}
	if before.Version != after.Version {
		changes["version"] = after.Version
	}
	if before.LoadPriority != after.LoadPriority {
		changes["loadPriority"] = after.LoadPriority
	}
	return changes
}

func (m *Memory) DiffScripts(ctx context.Context, syncGroup, fromTick, toTick string) ([]ScriptDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, after := m.snapScripts[fromTick], m.snapScripts[toTick]
	var out []ScriptDiff
	seen := map[string]bool{}
	for id, a := range after {
		seen[id] = true
		b, existed := before[id]
		if !existed {
			out = append(out, ScriptDiff{FileName: id, Op: OpInsert, Changes: map[string]any{"compileStatus": a.CompileStatus}})
			continue
		}
		if b.CompileStatus != a.CompileStatus || b.CompiledText != a.CompiledText {
			out = append(out, ScriptDiff{FileName: id, Op: OpUpdate, Changes: map[string]any{"compileStatus": a.CompileStatus}})
		}
	}
	for id := range before {
		if !seen[id] {
			out = append(out, ScriptDiff{FileName: id, Op: OpDelete})
		}
	}
	return out, nil
}

func (m *Memory) DiffAssets(ctx context.Context, syncGroup, fromTick, toTick string) ([]AssetDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, after := m.snapAssets[fromTick], m.snapAssets[toTick]
	var out []AssetDiff
	seen := map[string]bool{}
	for id, a := range after {
		seen[id] = true
		b, existed := before[id]
		if !existed {
			out = append(out, AssetDiff{FileName: id, Op: OpInsert, Changes: map[string]any{"typeTag": a.TypeTag}})
			continue
		}
		if b.TypeTag != a.TypeTag {
			out = append(out, AssetDiff{FileName: id, Op: OpUpdate, Changes: map[string]any{"typeTag": a.TypeTag}})
		}
	}
	for id := range before {
		if !seen[id] {
			out = append(out, AssetDiff{FileName: id, Op: OpDelete})
		}
	}
	return out, nil
}

func (m *Memory) Keyframe(ctx context.Context, syncGroup, agentID string) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	visible := m.visible[syncGroup+"|"+agentID]
	var out []Entity
	for id, e := range m.entities[syncGroup] {
		if visible[id] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) KeyframeScripts(ctx context.Context, syncGroup, agentID string) ([]Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Script
	for _, s := range m.scripts[syncGroup] {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) ExecuteAs(ctx context.Context, agentID, query string, params []any) ([]Row, error) {
	// The in-memory fake only needs to prove identity scoping for tests:
	// it answers the canonical "SELECT current_agent()" probe used by the
	// query executor's test suite and otherwise returns no rows.
	if query == "SELECT current_agent()" {
		return []Row{{"current_agent": agentID}}, nil
	}
	return nil, nil
}

func (m *Memory) ValidateSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return SessionRecord{}, false, nil
	}
	return rec, rec.Valid(time.Now()), nil
}

func (m *Memory) Touch(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	rec.LastSeen = time.Now()
	m.sessions[sessionID] = rec
	return nil
}

// Invalidate marks a session inactive, simulating admin invalidation. Test
// helper exercising scenario 5 (session invalidation closes socket).
func (m *Memory) Invalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.IsActive = false
	m.sessions[sessionID] = rec
}

func (m *Memory) Listen(ctx context.Context) (<-chan TickNotification, error) {
	return m.notify, nil
}

func (m *Memory) Close() error {
	return nil
}
