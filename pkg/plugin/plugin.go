// Package plugin defines the runtime-facing contract every loaded plugin
// instance satisfies, whether backed by a WebAssembly module
// (internal/plugin/wasm) or, in tests, a plain Go double. It is kept
// separate from internal/plugin so a plugin author (or a test) can depend
// on the interface without pulling in the wazero runtime.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotExported is returned by a Plugin method for an export the plugin
// binary did not declare. The Manager treats this as a successful no-op
// for tick and shutdown; its HealthCheck and GetStats return it to the
// caller as an error, and for initialize and handle_message it is fatal.
var ErrNotExported = errors.New("plugin: export not declared")

// Metadata is what a plugin declares about itself via its metadata()
// export, read once at load time.
type Metadata struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Author       string   `json:"author,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plugin is the fixed export set every loaded plugin instance exposes.
// Required exports are Metadata, Initialize, and HandleMessage; the rest
// return ErrNotExported when the underlying binary does not declare them
// (see ErrNotExported for how the runtime handles that per export).
type Plugin interface {
	// Metadata returns the plugin's self-declared identity. Cached by the
	// runtime at load time.
	Metadata() Metadata

	// Initialize is called once after load, before any message delivery.
	// Its absence is fatal at load time.
	Initialize(ctx context.Context, config json.RawMessage) error

	// HandleMessage delivers an inbound message. Its absence is fatal on
	// first delivery attempt, not at load time.
	HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error

	// Tick is invoked periodically while the plugin is Running. Optional;
	// returns ErrNotExported when the plugin declares no tick export.
	Tick(ctx context.Context) error

	// Shutdown is called once before unload. Optional.
	Shutdown(ctx context.Context) error

	// HealthCheck returns a plugin-defined status payload. Optional.
	HealthCheck(ctx context.Context) (json.RawMessage, error)

	// GetStats returns a plugin-defined metrics payload. Optional.
	GetStats(ctx context.Context) (json.RawMessage, error)

	// Close releases the instance's runtime resources (e.g. the
	// underlying WASM module). Idempotent.
	Close(ctx context.Context) error
}
