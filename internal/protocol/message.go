// Package protocol defines the wire envelope exchanged between clients and
// the sync core, and the tagged variant used to dispatch inbound messages.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the tagged variant discriminator for client<->server
// frames. Unknown tags map to schema_violation (see Parse).
type MessageType string

const (
	TypeHeartbeatRequest     MessageType = "heartbeat_request"
	TypeHeartbeatResponse    MessageType = "heartbeat_response"
	TypeClientConfigRequest  MessageType = "client_config_request"
	TypeClientConfigResponse MessageType = "client_config_response"
	TypeKeyframeRequest      MessageType = "keyframe_request"
	TypeKeyframeResponse     MessageType = "keyframe_response"
	TypeQueryRequest         MessageType = "query_request"
	TypeQueryResponse        MessageType = "query_response"

	TypeConnectionEstablished  MessageType = "connection_established_response"
	TypeSyncGroupUpdates       MessageType = "sync_group_updates_response"
	TypeEntityScriptUpdates    MessageType = "entity_script_updates_response"
	TypeKeyframeEntityScripts  MessageType = "keyframe_entity_scripts_response"
	TypeErrorResponse          MessageType = "error_response"
)

// Envelope is the common client->server frame shape. Payload is re-decoded
// per-type by the caller once Type is known.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Parse decodes the envelope tag without committing to a payload shape.
// Callers re-unmarshal raw into the type-specific payload struct.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(ErrSchemaViolation, "malformed envelope", err)
	}
	if env.Type == "" {
		return nil, NewError(ErrSchemaViolation, "missing type", nil)
	}
	env.Raw = raw
	return &env, nil
}

// KeyframeRequestPayload is the payload of a keyframe_request message.
type KeyframeRequestPayload struct {
	SyncGroup string `json:"syncGroup"`
}

// QueryRequestPayload is the payload of a query_request message.
type QueryRequestPayload struct {
	Query      string        `json:"query"`
	Parameters []interface{} `json:"parameters"`
	RequestID  string        `json:"requestId"`
}

// QueryResponsePayload is the payload of a query_response message.
type QueryResponsePayload struct {
	Type         MessageType     `json:"type"`
	RequestID    string          `json:"requestId"`
	Result       []map[string]any `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// HeartbeatResponsePayload acknowledges a heartbeat_request.
type HeartbeatResponsePayload struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ConnectionEstablishedPayload is pushed once, immediately after upgrade.
type ConnectionEstablishedPayload struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
}

// ErrorResponsePayload carries a typed failure back to the client.
type ErrorResponsePayload struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	RequestID string      `json:"requestId,omitempty"`
}

// ClientConfigResponsePayload answers a client_config_request with the
// per-sync-group tick settings the client needs to pace its own render loop.
type ClientConfigResponsePayload struct {
	Type   MessageType    `json:"type"`
	Config map[string]any `json:"config"`
}

// KeyframeEntityPayload is one entity in a keyframe_response.
type KeyframeEntityPayload struct {
	EntityID     string         `json:"entityId"`
	Name         string         `json:"name"`
	Version      int64          `json:"version"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ScriptNames  []string       `json:"scriptNames,omitempty"`
	AssetNames   []string       `json:"assetNames,omitempty"`
	LoadPriority int            `json:"loadPriority"`
}

// KeyframeResponsePayload answers keyframe_request with the full authorized
// entity snapshot for one sync group.
type KeyframeResponsePayload struct {
	Type      MessageType             `json:"type"`
	SyncGroup string                  `json:"syncGroup"`
	Entities  []KeyframeEntityPayload `json:"entities"`
}

// KeyframeScriptPayload is one script in a keyframe_entity_scripts_response.
type KeyframeScriptPayload struct {
	FileName      string `json:"fileName"`
	CompileStatus string `json:"compileStatus"`
	CompiledText  string `json:"compiledText,omitempty"`
}

// KeyframeEntityScriptsPayload accompanies KeyframeResponsePayload with the
// compiled scripts the snapshot's entities reference.
type KeyframeEntityScriptsPayload struct {
	Type      MessageType             `json:"type"`
	SyncGroup string                  `json:"syncGroup"`
	Scripts   []KeyframeScriptPayload `json:"scripts"`
}

// TickMetadata describes the tick an update batch was computed against.
// ManagerMillis/DBMillis are optional per spec.md's open question on the
// manager/db timing split.
type TickMetadata struct {
	SyncGroup     string `json:"syncGroup"`
	TickID        string `json:"tickId"`
	TickNumber    int64  `json:"tickNumber"`
	IsDelayed     bool   `json:"isDelayed"`
	ManagerMillis *int64 `json:"managerMillis,omitempty"`
	DBMillis      *int64 `json:"dbMillis,omitempty"`
}

// EntityChange is one diffed row, field-level per spec.md's mandated
// resolution of the row-vs-field diff open question.
type EntityChange struct {
	EntityID  string         `json:"entityId"`
	Operation string         `json:"operation"` // insert|update|delete
	Changes   map[string]any `json:"changes,omitempty"`
}

// SyncGroupUpdatesPayload is the per-session tick update push.
type SyncGroupUpdatesPayload struct {
	Type         MessageType    `json:"type"`
	TickMetadata TickMetadata   `json:"tickMetadata"`
	Entities     []EntityChange `json:"entities"`
}

// ScriptChange/EntityScriptUpdatesPayload mirror EntityChange/
// SyncGroupUpdatesPayload for script diffs.
type ScriptChange struct {
	FileName  string         `json:"fileName"`
	Operation string         `json:"operation"`
	Changes   map[string]any `json:"changes,omitempty"`
}

type EntityScriptUpdatesPayload struct {
	Type         MessageType    `json:"type"`
	TickMetadata TickMetadata   `json:"tickMetadata"`
	Scripts      []ScriptChange `json:"scripts"`
}

// NewTimestamp returns the current time in wire-format milliseconds.
func NewTimestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// MarshalEnvelope wraps any typed payload for transmission. The payload
// struct itself carries its own "type" field so callers can round-trip it.
func MarshalEnvelope(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
