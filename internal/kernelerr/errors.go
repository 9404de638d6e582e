// Package kernelerr defines the five error kinds that surface from the
// core: ConfigError, IdentityError, StoreError, PluginError, and BusError.
// Domain errors (missing keys, unknown recipients, a full queue) are
// returned to the caller and never logged above debug; only startup
// failures and plugin traps warrant process-level attention.
package kernelerr

import "errors"

// Kind identifies which of the five error families an error belongs to.
// ExitCode maps it to the process exit code for startup failures (0-4;
// KindPlugin and KindBus share 4).
type Kind int

const (
	KindNone Kind = iota
	KindConfig
	KindIdentity
	KindStore
	KindPlugin
	KindBus
)

func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 1
	case KindIdentity:
		return 2
	case KindStore:
		return 3
	case KindPlugin, KindBus:
		return 4
	default:
		return 0
	}
}

// Sentinel identity errors (spec 4.1).
var (
	ErrIdentityUnavailable = errors.New("identity: no source produced a usable key")
	ErrIdentityCorrupt     = errors.New("identity: stored key is not 32 decodable bytes")
	ErrIdentityTimeout     = errors.New("identity: credential store deadline exceeded")
)

// Sentinel store errors (spec 4.2).
var (
	ErrStoreUnavailable = errors.New("store: unavailable")
	ErrStoreCorrupt     = errors.New("store: schema mismatch")
	ErrStoreNotFound    = errors.New("store: not found")
)

// Sentinel plugin errors (spec 4.4, 6).
var (
	ErrPluginLoad       = errors.New("plugin: load failed")
	ErrPluginAbi        = errors.New("plugin: abi mismatch")
	ErrPluginTrap       = errors.New("plugin: crashed")
	ErrPluginDomain     = errors.New("plugin: domain error")
	ErrPluginStepBudget = errors.New("plugin: step budget exceeded")
	ErrAbiMismatch      = ErrPluginAbi
	ErrPluginCrashed    = ErrPluginTrap
)

// Sentinel bus errors (spec 4.5).
var (
	ErrNoSuchPlugin   = errors.New("bus: no such plugin")
	ErrQueueFull      = errors.New("bus: queue full")
	ErrMessageExpired = errors.New("bus: message expired")
	ErrCancelled      = errors.New("bus: send cancelled")
)

// ConfigError wraps configuration-loading failures.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Kind() Kind    { return KindConfig }

// IdentityError wraps one of the Identity sentinel errors above.
type IdentityError struct{ Err error }

func (e *IdentityError) Error() string { return e.Err.Error() }
func (e *IdentityError) Unwrap() error { return e.Err }
func (e *IdentityError) Kind() Kind    { return KindIdentity }

// StoreError wraps one of the Store sentinel errors above.
type StoreError struct{ Err error }

func (e *StoreError) Error() string { return e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }
func (e *StoreError) Kind() Kind    { return KindStore }

// PluginErrorKind distinguishes the four plugin-error subcategories named
// in spec 7.
type PluginErrorKind int

const (
	PluginLoad PluginErrorKind = iota
	PluginAbi
	PluginTrap
	PluginDomain
)

// PluginError wraps a plugin-runtime failure, tagged with which plugin
// and which subcategory it belongs to.
type PluginError struct {
	Plugin string
	Sub    PluginErrorKind
	Err    error
}

func (e *PluginError) Error() string {
	if e.Plugin == "" {
		return e.Err.Error()
	}
	return e.Plugin + ": " + e.Err.Error()
}
func (e *PluginError) Unwrap() error { return e.Err }
func (e *PluginError) Kind() Kind    { return KindPlugin }

func NewPluginError(plugin string, sub PluginErrorKind, err error) *PluginError {
	return &PluginError{Plugin: plugin, Sub: sub, Err: err}
}

// BusError wraps one of the Bus sentinel errors above.
type BusError struct{ Err error }

func (e *BusError) Error() string { return e.Err.Error() }
func (e *BusError) Unwrap() error { return e.Err }
func (e *BusError) Kind() Kind    { return KindBus }

// KindOf extracts the Kind from any error produced by this package,
// returning KindNone for anything else (cmd/kernel uses this to select
// the process exit code).
func KindOf(err error) Kind {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return KindConfig
	}
	var ie *IdentityError
	if errors.As(err, &ie) {
		return KindIdentity
	}
	var se *StoreError
	if errors.As(err, &se) {
		return KindStore
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return KindPlugin
	}
	var be *BusError
	if errors.As(err, &be) {
		return KindBus
	}
	return KindNone
}

// IsDomain reports whether err is one of the "expected" domain errors that
// must never be logged above debug (spec 7): missing keys, unknown
// recipients, a queue that is full after its bounded wait, an expired
// message, or a cancelled send.
func IsDomain(err error) bool {
	switch {
	case errors.Is(err, ErrStoreNotFound),
		errors.Is(err, ErrNoSuchPlugin),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrMessageExpired),
		errors.Is(err, ErrCancelled):
		return true
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Sub == PluginDomain
	}
	return false
}
