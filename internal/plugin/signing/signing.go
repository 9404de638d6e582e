// Package signing checks a plugin binary's integrity before the loader
// lets it run: an ed25519 signature over the binary's SHA-256 digest,
// checked against a configured set of trusted keys (spec 4.4's optional
// signature-enforcement step).
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
)

// GenerateKeyPair creates a new ed25519 signing key pair for a plugin
// author to sign releases with.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// SignBinary signs binaryPath's SHA-256 digest with privateKey and writes
// the hex-encoded signature to sigPath (see DefaultSignaturePath for the
// conventional sidecar name).
func SignBinary(binaryPath, sigPath string, privateKey ed25519.PrivateKey) error {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return fmt.Errorf("signing: read %s: %w", binaryPath, err)
	}
	digest := sha256.Sum256(data)
	signature := ed25519.Sign(privateKey, digest[:])
	if err := os.WriteFile(sigPath, []byte(hex.EncodeToString(signature)), 0o644); err != nil {
		return fmt.Errorf("signing: write %s: %w", sigPath, err)
	}
	return nil
}

// VerifyBinary checks binaryPath's signature at sigPath against every key
// in trustedKeys, succeeding on the first match. Every failure returns a
// *kernelerr.PluginError{Sub: PluginAbi}: an unsigned or mistrusted binary
// is refused before the kernel ever compiles it, the same category the
// loader already uses for a missing gk_alloc/gk_free export or a
// malformed metadata export (spec 7's "ABI mismatch").
func VerifyBinary(binaryPath, sigPath string, trustedKeys []ed25519.PublicKey) error {
	abiErr := func(err error) error {
		return &kernelerr.PluginError{Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: %v", kernelerr.ErrPluginAbi, err)}
	}

	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return abiErr(fmt.Errorf("signing: read binary: %w", err))
	}
	digest := sha256.Sum256(data)

	sigHex, err := os.ReadFile(sigPath)
	if err != nil {
		return abiErr(fmt.Errorf("signing: read signature: %w", err))
	}
	signature, err := hex.DecodeString(string(sigHex))
	if err != nil {
		return abiErr(fmt.Errorf("signing: decode signature: %w", err))
	}
	if len(signature) != ed25519.SignatureSize {
		return abiErr(fmt.Errorf("signing: signature length %d, want %d", len(signature), ed25519.SignatureSize))
	}

	for _, key := range trustedKeys {
		if ed25519.Verify(key, digest[:], signature) {
			return nil
		}
	}
	return abiErr(fmt.Errorf("signing: no trusted key matches"))
}

// DefaultSignaturePath returns the sidecar signature path for a plugin
// binary: "writer.wasm" becomes "writer.wasm.sig".
func DefaultSignaturePath(binaryPath string) string {
	return binaryPath + ".sig"
}
