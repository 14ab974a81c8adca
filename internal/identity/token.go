// ABOUTME: Read-only access to the pairing token record written by out-of-band approval
// ABOUTME: Re-read on every call because pairing state can change between connection attempts

package identity

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// authRecord is the on-disk pairing token format. The client never writes it.
type authRecord struct {
	Version  int                   `json:"version"`
	DeviceID string                `json:"deviceId"`
	Tokens   map[string]tokenEntry `json:"tokens"`
}

type tokenEntry struct {
	Token       string   `json:"token"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	UpdatedAtMs int64    `json:"updatedAtMs,omitempty"`
}

// AuthToken returns the pairing token stored for role, or "" when there is no
// usable token. Tokens issued to a different device id are ignored.
func (s *Store) AuthToken(role string) string {
	if s.authPath == "" {
		return ""
	}
	data, err := os.ReadFile(s.authPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("reading pairing token record failed", "path", s.authPath, "error", err)
		}
		return ""
	}

	var rec authRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("pairing token record is corrupt", "path", s.authPath, "error", err)
		return ""
	}

	id, err := s.Identity()
	if err != nil {
		return ""
	}
	if rec.DeviceID != "" && rec.DeviceID != id.DeviceID {
		s.logger.Debug("pairing token record belongs to another device", "record_device_id", rec.DeviceID)
		return ""
	}

	entry, ok := rec.Tokens[role]
	if !ok {
		return ""
	}
	return strings.TrimSpace(entry.Token)
}
