// Package identity acquires and holds the kernel's one private key,
// derives its 20-byte address, and signs bytes on its behalf (spec 4.1).
// Exactly one Material exists per running kernel; it is never exposed to
// plugins (only signatures are), and it is read-only after startup so it
// may be shared across goroutines without locking (spec 5).
package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zalando/go-keyring"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
)

// Address is the 20-byte identifier derived from a private key (spec
// glossary: "the last 20 bytes of a keccak-256 hash of the uncompressed
// public key").
type Address [20]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Material is the process-wide key material: a 32-byte private scalar and
// its derived address. Never serialized or logged in full.
type Material struct {
	key     *ecdsa.PrivateKey
	Address Address
}

// Source records where the material was acquired from, for logging and
// tests only — it carries no trust implications.
type Source string

const (
	SourceEnv       Source = "env"
	SourceFile      Source = "file"
	SourceKeyring   Source = "keyring"
	SourceGenerated Source = "generated"
)

// Options configures acquisition (mirrors the [identity] TOML section).
type Options struct {
	// EnvVar is the name of the environment variable checked first, only
	// consulted when AllowEnvKey is true.
	EnvVar      string
	AllowEnvKey bool

	// FilePath is consulted second, only when UseKeyring is false.
	FilePath   string
	UseKeyring bool

	// KeyringTimeout bounds the OS credential-store lookup (spec default
	// 30s).
	KeyringTimeout time.Duration

	// KeyringService/Account name the well-known service/account pair
	// under which the key is stored.
	KeyringService string
	KeyringAccount string
}

func (o Options) keyringTimeout() time.Duration {
	if o.KeyringTimeout <= 0 {
		return 30 * time.Second
	}
	return o.KeyringTimeout
}

// Acquire implements the spec 4.1 acquisition order: env var, then file,
// then OS keyring (bounded wait), then generate-and-persist. It stops at
// the first successful source.
func Acquire(ctx context.Context, opts Options) (*Material, Source, error) {
	if opts.AllowEnvKey && opts.EnvVar != "" {
		if raw, ok := os.LookupEnv(opts.EnvVar); ok && raw != "" {
			m, err := fromHex(raw)
			if err != nil {
				return nil, "", &kernelerr.IdentityError{Err: errors.Join(kernelerr.ErrIdentityCorrupt, err)}
			}
			return m, SourceEnv, nil
		}
	}

	if !opts.UseKeyring && opts.FilePath != "" {
		if data, err := os.ReadFile(opts.FilePath); err == nil {
			m, err := fromBytes(data)
			if err != nil {
				return nil, "", &kernelerr.IdentityError{Err: errors.Join(kernelerr.ErrIdentityCorrupt, err)}
			}
			return m, SourceFile, nil
		} else if !os.IsNotExist(err) {
			return nil, "", &kernelerr.IdentityError{Err: err}
		}
	}

	if opts.UseKeyring {
		m, err := fromKeyring(ctx, opts)
		switch {
		case err == nil:
			return m, SourceKeyring, nil
		case errors.Is(err, context.DeadlineExceeded):
			return nil, "", &kernelerr.IdentityError{Err: kernelerr.ErrIdentityTimeout}
		case errors.Is(err, keyring.ErrNotFound):
			// fall through to generation
		default:
			return nil, "", &kernelerr.IdentityError{Err: err}
		}
	}

	m, err := generate()
	if err != nil {
		return nil, "", &kernelerr.IdentityError{Err: errors.Join(kernelerr.ErrIdentityUnavailable, err)}
	}

	if err := persist(ctx, opts, m); err != nil {
		return nil, "", &kernelerr.IdentityError{Err: err}
	}
	return m, SourceGenerated, nil
}

func generate() (*Material, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return materialFromKey(key), nil
}

func fromHex(s string) (*Material, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return fromBytes(b)
}

func fromBytes(b []byte) (*Material, error) {
	if len(b) != 32 {
		// Tolerate a hex-encoded file too.
		if decoded, err := hex.DecodeString(strings.TrimSpace(string(b))); err == nil && len(decoded) == 32 {
			b = decoded
		} else {
			return nil, kernelerr.ErrIdentityCorrupt
		}
	}
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, errors.Join(kernelerr.ErrIdentityCorrupt, err)
	}
	return materialFromKey(key), nil
}

func materialFromKey(key *ecdsa.PrivateKey) *Material {
	var addr Address
	copy(addr[:], crypto.PubkeyToAddress(key.PublicKey).Bytes())
	return &Material{key: key, Address: addr}
}

func fromKeyring(ctx context.Context, opts Options) (*Material, error) {
	type result struct {
		m   *Material
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := keyring.Get(opts.KeyringService, opts.KeyringAccount)
		if err != nil {
			done <- result{nil, err}
			return
		}
		m, err := fromHex(raw)
		done <- result{m, err}
	}()

	select {
	case r := <-done:
		return r.m, r.err
	case <-time.After(opts.keyringTimeout()):
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// persist writes freshly generated material back to whichever store the
// policy permits: the OS keyring if enabled, otherwise the configured
// file path.
func persist(ctx context.Context, opts Options, m *Material) error {
	raw := hex.EncodeToString(crypto.FromECDSA(m.key))
	if opts.UseKeyring {
		return keyring.Set(opts.KeyringService, opts.KeyringAccount, raw)
	}
	if opts.FilePath == "" {
		return nil
	}
	return os.WriteFile(opts.FilePath, []byte(raw), 0o600)
}

// Sign produces a deterministic (RFC6979) 65-byte compact signature
// (r‖s‖v) over an arbitrary byte slice (spec 4.1 contract, spec 8
// property test).
func (m *Material) Sign(data []byte) ([65]byte, error) {
	digest := crypto.Keccak256(data)
	sig, err := crypto.Sign(digest, m.key)
	if err != nil {
		return [65]byte{}, err
	}
	var out [65]byte
	copy(out[:], sig)
	return out, nil
}

// Verify checks a 65-byte compact signature against data and an address,
// used by tests and by plugins wishing to verify each other's messages.
func Verify(data []byte, sig [65]byte, addr Address) bool {
	digest := crypto.Keccak256(data)
	pub, err := crypto.SigToPub(digest, sig[:])
	if err != nil {
		return false
	}
	var recovered Address
	copy(recovered[:], crypto.PubkeyToAddress(*pub).Bytes())
	return recovered == addr
}

// GenerateEphemeral is a test helper producing throwaway Material without
// touching any persistence source.
func GenerateEphemeral() (*Material, error) {
	return generate()
}
