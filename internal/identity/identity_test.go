package identity

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignIsDeterministic(t *testing.T) {
	m, err := GenerateEphemeral()
	require.NoError(t, err)

	msg := make([]byte, 32) // the fixed 0x00...00 message named in spec 8 scenario 4
	sig1, err := m.Sign(msg)
	require.NoError(t, err)
	sig2, err := m.Sign(msg)
	require.NoError(t, err)

	require.Equal(t, sig1, sig2)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m, err := GenerateEphemeral()
	require.NoError(t, err)

	msg := []byte("hello from the kernel")
	sig, err := m.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(msg, sig, m.Address))

	other, err := GenerateEphemeral()
	require.NoError(t, err)
	require.False(t, Verify(msg, sig, other.Address))
}

func TestAcquireFromEnv(t *testing.T) {
	want, err := GenerateEphemeral()
	require.NoError(t, err)

	t.Setenv("TEST_IDENTITY_KEY", "0x"+hex.EncodeToString(keyBytes(t, want)))

	m, src, err := Acquire(context.Background(), Options{
		EnvVar:      "TEST_IDENTITY_KEY",
		AllowEnvKey: true,
	})
	require.NoError(t, err)
	require.Equal(t, SourceEnv, src)
	require.Equal(t, want.Address, m.Address)
}

func TestAcquireFromFileGeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	m1, src, err := Acquire(context.Background(), Options{
		FilePath: path,
	})
	require.NoError(t, err)
	require.Equal(t, SourceGenerated, src)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	m2, src2, err := Acquire(context.Background(), Options{FilePath: path})
	require.NoError(t, err)
	require.Equal(t, SourceFile, src2)
	require.Equal(t, m1.Address, m2.Address)
}

func TestAcquireRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("not-a-key"), 0o600))

	_, _, err := Acquire(context.Background(), Options{FilePath: path})
	require.Error(t, err)
}

// keyBytes extracts the raw 32-byte private scalar for test setup only;
// production code never exposes this.
func keyBytes(t *testing.T, m *Material) []byte {
	t.Helper()
	return gethcrypto.FromECDSA(m.key)
}
