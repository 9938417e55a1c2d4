package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across Orbis.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Components
	FieldComponent = "component"

	// Scenes
	FieldSceneID = "scene_id"
	FieldParcel  = "parcel"
	FieldHash    = "hash"

	// Comms
	FieldAlias       = "alias"
	FieldPeerAddress = "peer_address"
	FieldPeerCount   = "peer_count"
	FieldRoom        = "room"
	FieldIsland      = "island"
	FieldRealm       = "realm"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Network
	FieldAddress = "address"
	FieldHost    = "host"
	FieldURL     = "url"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type WsRoom struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWsRoom() *WsRoom {
//	    return &WsRoom{
//	        logger: logger.ComponentLogger("comms.wsroom"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	sceneLogger := logger.ChildLogger(baseLogger, "scene_id", scene.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
