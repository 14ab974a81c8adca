// ABOUTME: Tests for device identity persistence, id derivation and signing
// ABOUTME: Also covers fail-open behavior and per-call pairing token reads

package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "identity", "device.json")
	authPath := filepath.Join(dir, "identity", "device-auth.json")
	return NewStore(path, authPath, nil), path, authPath
}

func TestIdentity_GeneratesAndPersists(t *testing.T) {
	store, path, _ := newTestStore(t)

	id, err := store.Identity()
	require.NoError(t, err)
	assert.True(t, id.Persisted)
	assert.Len(t, id.PublicKey, ed25519.PublicKeySize)
	assert.Len(t, id.DeviceID, 64)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id.DeviceID, rec.DeviceID)
	assert.True(t, strings.HasPrefix(rec.PublicKey, "ssh-ed25519 "))
	assert.Contains(t, rec.PrivateKey, "OPENSSH PRIVATE KEY")
}

func TestIdentity_ReloadKeepsDeviceID(t *testing.T) {
	store, path, authPath := newTestStore(t)
	first, err := store.Identity()
	require.NoError(t, err)

	// A fresh store simulates a process restart.
	second, err := NewStore(path, authPath, nil).Identity()
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.True(t, first.PublicKey.Equal(second.PublicKey))
	assert.Equal(t, first.CreatedAt.UnixMilli(), second.CreatedAt.UnixMilli())
}

func TestIdentity_DeviceIDIsHashOfRawPublicKey(t *testing.T) {
	store, _, _ := newTestStore(t)
	id, err := store.Identity()
	require.NoError(t, err)

	sum := sha256.Sum256(id.PublicKey)
	assert.Equal(t, hex.EncodeToString(sum[:]), id.DeviceID)
	assert.Equal(t, DeviceIDFromPublicKey(id.PublicKey), id.DeviceID)
}

func TestIdentity_SignIsVerifiableAndDeterministic(t *testing.T) {
	store, _, _ := newTestStore(t)
	id, err := store.Identity()
	require.NoError(t, err)

	msg := []byte("v2|d1|cli|backend|operator|a,b|1000||n1")
	sig := id.Sign(msg)
	assert.True(t, ed25519.Verify(id.PublicKey, msg, sig))
	assert.Equal(t, sig, id.Sign(msg))
}

func TestIdentity_PublicKeyBase64URL(t *testing.T) {
	store, _, _ := newTestStore(t)
	id, err := store.Identity()
	require.NoError(t, err)

	encoded := id.PublicKeyBase64URL()
	assert.NotContains(t, encoded, "=")
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte(id.PublicKey), raw)
	assert.True(t, strings.HasPrefix(id.Fingerprint(), "SHA256:"))
}

func TestIdentity_CorruptRecordRegenerates(t *testing.T) {
	store, path, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	id, err := store.Identity()
	require.NoError(t, err)
	assert.True(t, id.Persisted)

	reloaded, err := NewStore(path, "", nil).Identity()
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID, reloaded.DeviceID)
}

func TestIdentity_UnwritableLocationFailsOpen(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("file, not dir"), 0o600))

	store := NewStore(filepath.Join(blocker, "identity", "device.json"), "", nil)
	id, err := store.Identity()
	require.NoError(t, err)
	assert.False(t, id.Persisted)
	assert.NotEmpty(t, id.DeviceID)

	again, err := store.Identity()
	require.NoError(t, err)
	assert.Same(t, id, again, "in-memory identity is reused for the process lifetime")
}

func TestIdentity_MismatchedStoredIDIsCorrected(t *testing.T) {
	store, path, _ := newTestStore(t)
	id, err := store.Identity()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec record
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.DeviceID = "stale"
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reloaded, err := NewStore(path, "", nil).Identity()
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID, reloaded.DeviceID)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id.DeviceID, rec.DeviceID)
}

func writeAuthRecord(t *testing.T, path string, rec authRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestAuthToken_MissingRecord(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.Equal(t, "", store.AuthToken("operator"))
}

func TestAuthToken_ReReadOnEveryCall(t *testing.T) {
	store, _, authPath := newTestStore(t)
	id, err := store.Identity()
	require.NoError(t, err)

	writeAuthRecord(t, authPath, authRecord{
		Version:  1,
		DeviceID: id.DeviceID,
		Tokens:   map[string]tokenEntry{"operator": {Token: "tok-1", Role: "operator"}},
	})
	assert.Equal(t, "tok-1", store.AuthToken("operator"))
	assert.Equal(t, "", store.AuthToken("node"))

	writeAuthRecord(t, authPath, authRecord{
		Version:  1,
		DeviceID: id.DeviceID,
		Tokens:   map[string]tokenEntry{"operator": {Token: "tok-2", Role: "operator"}},
	})
	assert.Equal(t, "tok-2", store.AuthToken("operator"))
}

func TestAuthToken_IgnoresOtherDevice(t *testing.T) {
	store, _, authPath := newTestStore(t)
	writeAuthRecord(t, authPath, authRecord{
		Version:  1,
		DeviceID: "someone-else",
		Tokens:   map[string]tokenEntry{"operator": {Token: "tok"}},
	})
	assert.Equal(t, "", store.AuthToken("operator"))
}

func TestAuthToken_CorruptRecord(t *testing.T) {
	store, _, authPath := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(authPath), 0o700))
	require.NoError(t, os.WriteFile(authPath, []byte("garbage"), 0o600))
	assert.Equal(t, "", store.AuthToken("operator"))
}
