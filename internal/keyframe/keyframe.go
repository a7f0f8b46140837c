// Package keyframe builds the full authorized snapshot sent to a session on
// socket open or explicit keyframe_request, narrowing
// internal/state/snapshot_service.go's single-call capture shape from
// hash-for-verification to snapshot-for-delivery.
package keyframe

import (
	"context"
	"log/slog"

	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/store"
)

// Builder reads the current authorized Entity/Script snapshot for a sync
// group and agent. Entities and scripts are read by two separate Gateway
// calls, each in its own transaction; the two reads do not share one
// transaction.
type Builder struct {
	gw  store.Gateway
	log *slog.Logger
}

func NewBuilder(gw store.Gateway, log *slog.Logger) *Builder {
	return &Builder{gw: gw, log: log}
}

// Build returns the wire-ready keyframe_response and keyframe_entity_scripts_
// response envelopes for syncGroup, scoped to agentID's visibility. The
// keyframe is consistent as of its own read but is not tied to a tick
// number; the client must treat the subsequent update stream as authority.
func (b *Builder) Build(ctx context.Context, syncGroup, agentID string) (entityMsg, scriptMsg []byte, err error) {
	entities, err := b.gw.Keyframe(ctx, syncGroup, agentID)
	if err != nil {
		return nil, nil, err
	}
	scripts, err := b.gw.KeyframeScripts(ctx, syncGroup, agentID)
	if err != nil {
		return nil, nil, err
	}

	entityPayload := protocol.KeyframeResponsePayload{
		Type:      protocol.TypeKeyframeResponse,
		SyncGroup: syncGroup,
		Entities:  make([]protocol.KeyframeEntityPayload, 0, len(entities)),
	}
	for _, e := range entities {
		entityPayload.Entities = append(entityPayload.Entities, protocol.KeyframeEntityPayload{
			EntityID:     e.ID,
			Name:         e.Name,
			Version:      e.Version,
			Metadata:     e.Metadata,
			ScriptNames:  e.ScriptNames,
			AssetNames:   e.AssetNames,
			LoadPriority: e.LoadPriority,
		})
	}
	entityMsg, err = protocol.MarshalEnvelope(entityPayload)
	if err != nil {
		return nil, nil, err
	}

	scriptPayload := protocol.KeyframeEntityScriptsPayload{
		Type:      protocol.TypeKeyframeEntityScripts,
		SyncGroup: syncGroup,
		Scripts:   make([]protocol.KeyframeScriptPayload, 0, len(scripts)),
	}
	for _, s := range scripts {
		scriptPayload.Scripts = append(scriptPayload.Scripts, protocol.KeyframeScriptPayload{
			FileName:      s.FileName,
			CompileStatus: string(s.CompileStatus),
			CompiledText:  s.CompiledText,
		})
	}
	scriptMsg, err = protocol.MarshalEnvelope(scriptPayload)
	if err != nil {
		return nil, nil, err
	}

	return entityMsg, scriptMsg, nil
}
