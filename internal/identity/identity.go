// ABOUTME: Persistent Ed25519 device identity used to authenticate with the gateway
// ABOUTME: Loads or generates the key pair, derives the device id, signs challenge payloads

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	recordVersion = 1
	keyComment    = "openclaw-glasses device"

	dirMode  = 0o700
	fileMode = 0o600
)

// Identity is a device key pair plus the id derived from its public key.
type Identity struct {
	DeviceID  string
	PublicKey ed25519.PublicKey
	CreatedAt time.Time

	// Persisted is false when the identity only lives in memory because the
	// record could not be written.
	Persisted bool

	privateKey ed25519.PrivateKey
}

// Sign returns the Ed25519 signature of message.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.privateKey, message)
}

// PublicKeyBase64URL returns the raw 32-byte public key, base64url without padding.
func (id *Identity) PublicKeyBase64URL() string {
	return base64.RawURLEncoding.EncodeToString(id.PublicKey)
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of the public key, for display.
func (id *Identity) Fingerprint() string {
	pub, err := ssh.NewPublicKey(id.PublicKey)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(pub)
}

// DeviceIDFromPublicKey hashes the raw public key bytes into a lowercase hex id.
// The id does not depend on any textual key encoding.
func DeviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// record is the on-disk identity format.
type record struct {
	Version     int    `json:"version"`
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Store loads, generates and caches the device identity, and reads the
// pairing token record that is managed out of band.
type Store struct {
	path     string
	authPath string
	logger   *slog.Logger
	random   io.Reader

	mu     sync.Mutex
	loaded *Identity
}

// Option configures a Store.
type Option func(*Store)

// WithRandom overrides the key generation entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

// NewStore creates a store for the identity record at path and the pairing
// token record at authPath. Pass nil logger for default.
func NewStore(path, authPath string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		authPath: authPath,
		logger:   logger.With("component", "identity"),
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultPaths returns the per-user identity and pairing token record paths.
// Priority: OPENCLAW_STATE_DIR > ~/.openclaw
func DefaultPaths() (identityPath, authPath string) {
	base := os.Getenv("OPENCLAW_STATE_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			base = ".openclaw"
		} else {
			base = filepath.Join(home, ".openclaw")
		}
	}
	dir := filepath.Join(base, "identity")
	return filepath.Join(dir, "device.json"), filepath.Join(dir, "device-auth.json")
}

// Identity returns the persisted identity, generating and persisting a new
// one when none exists or the record is unusable. A write failure is logged
// and the identity is returned anyway.
func (s *Store) Identity() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded != nil {
		return s.loaded, nil
	}

	id, err := s.load()
	if err == nil {
		s.loaded = id
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("device identity unusable, generating a new one", "path", s.path, "error", err)
	}

	id, err = s.generate()
	if err != nil {
		return nil, err
	}
	if err := s.save(id); err != nil {
		s.logger.Warn("device identity not persisted, using in-memory identity", "path", s.path, "error", err)
	} else {
		id.Persisted = true
		s.logger.Info("generated device identity", "device_id", id.DeviceID, "path", s.path)
	}
	s.loaded = id
	return id, nil
}

func (s *Store) generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(s.random)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return &Identity{
		DeviceID:   DeviceIDFromPublicKey(pub),
		PublicKey:  pub,
		CreatedAt:  time.Now(),
		privateKey: priv,
	}, nil
}

func (s *Store) load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing identity record: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported identity record version %d", rec.Version)
	}

	raw, err := ssh.ParseRawPrivateKey([]byte(rec.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		priv = k
	case *ed25519.PrivateKey:
		priv = *k
	default:
		return nil, fmt.Errorf("unexpected private key type %T", raw)
	}
	pub, _ := priv.Public().(ed25519.PublicKey)

	if rec.PublicKey != "" {
		stored, _, _, _, err := ssh.ParseAuthorizedKey([]byte(rec.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		cpk, ok := stored.(ssh.CryptoPublicKey)
		if !ok {
			return nil, errors.New("public key has no crypto form")
		}
		storedPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok || !storedPub.Equal(pub) {
			return nil, errors.New("public key does not match private key")
		}
	}

	id := &Identity{
		DeviceID:   DeviceIDFromPublicKey(pub),
		PublicKey:  pub,
		CreatedAt:  time.UnixMilli(rec.CreatedAtMs),
		Persisted:  true,
		privateKey: priv,
	}

	if rec.DeviceID != id.DeviceID {
		s.logger.Warn("stored device id does not match key, rewriting record",
			"stored", rec.DeviceID, "derived", id.DeviceID)
		if err := s.save(id); err != nil {
			s.logger.Warn("rewriting identity record failed", "error", err)
		}
	}
	return id, nil
}

func (s *Store) save(id *Identity) error {
	block, err := ssh.MarshalPrivateKey(id.privateKey, keyComment)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(id.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}

	rec := record{
		Version:     recordVersion,
		DeviceID:    id.DeviceID,
		PublicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		PrivateKey:  string(pem.EncodeToMemory(block)),
		CreatedAtMs: id.CreatedAt.UnixMilli(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity record: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'))
}

// writeFileAtomic writes via a temp file in the same directory and renames it
// into place so a crash never leaves a truncated record.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".device-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing identity record: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("setting identity record mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing identity record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming identity record: %w", err)
	}
	return nil
}
