// Package status persists the collector's state between runs: one access
// token per monitor identity plus the full per-room time series. The status
// file is private (it holds credentials, so it is written owner-only); the
// counter file is the shareable projection of the same data with all
// credentials stripped.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/matrix-census/crypto"
	"github.com/onnwee/matrix-census/series"
)

// TotalRoomID is the synthetic room holding the deduplicated member count
// across all tracked rooms.
const TotalRoomID = "total"

// Room is one tracked room: its display name and its member-count series.
type Room struct {
	Name   string        `json:"name"`
	Counts series.Series `json:"counts"`
}

// Status is the full persisted state. AccessTokens is keyed by
// "user@host" so one status file can serve several monitor accounts; a nil
// entry means "no usable token, log in fresh".
type Status struct {
	AccessTokens map[string]*string `json:"matrix_access_tokens"`
	Rooms        map[string]*Room   `json:"rooms"`
}

// Counters is the credential-free projection written to the counter file.
type Counters struct {
	Rooms map[string]*Room `json:"rooms"`
}

// Empty returns the template state used when no usable status file exists.
func Empty() *Status {
	return &Status{
		AccessTokens: map[string]*string{},
		Rooms:        map[string]*Room{},
	}
}

// TokenID builds the access-token map key for a monitor identity.
func TokenID(user, host string) string { return user + "@" + host }

// Load reads a status file, distinguishing file-absent, parse-error and
// schema-mismatch. Those fall back to the empty template: losing history is
// preferable to aborting a scheduled run, and the next runs rebuild the
// series. Only the reason is logged differently. The one non-nil error is a
// length-mismatched counts pair: that is an internal-consistency violation
// the caller must treat as fatal, because recovering to the template would
// let the end-of-run save overwrite the file and erase every room's history.
func Load(path string) (*Status, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("status file absent, starting fresh", slog.String("path", path))
		} else {
			slog.Warn("status file unreadable, starting fresh", slog.String("path", path), slog.Any("err", err))
		}
		return Empty(), nil
	}
	var doc struct {
		AccessTokens json.RawMessage `json:"matrix_access_tokens"`
		Rooms        json.RawMessage `json:"rooms"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		slog.Warn("status file corrupt, starting fresh", slog.String("path", path), slog.Any("err", err))
		return Empty(), nil
	}
	// a document missing either top-level key is not a status file
	if doc.AccessTokens == nil || doc.Rooms == nil {
		slog.Warn("status file missing required keys, starting fresh", slog.String("path", path))
		return Empty(), nil
	}
	rooms := map[string]*Room{}
	if err := json.Unmarshal(doc.Rooms, &rooms); err != nil {
		if errors.Is(err, series.ErrInconsistent) {
			return nil, fmt.Errorf("status file %s: %w", path, err)
		}
		slog.Warn("status file rooms corrupt, starting fresh", slog.String("path", path), slog.Any("err", err))
		return Empty(), nil
	}
	for id, room := range rooms {
		if room == nil {
			delete(rooms, id)
		}
	}
	return &Status{AccessTokens: loadTokens(doc.AccessTokens), Rooms: rooms}, nil
}

// loadTokens decodes the token map leniently: a map that is not an object is
// replaced wholesale, an entry of the wrong type is nulled so only that
// identity has to log in again, and everything else survives.
func loadTokens(raw json.RawMessage) map[string]*string {
	entries := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		slog.Warn("stored token map unusable, resetting", slog.Any("err", err))
		return map[string]*string{}
	}
	tokens := make(map[string]*string, len(entries))
	for id, entry := range entries {
		var tok *string
		if err := json.Unmarshal(entry, &tok); err != nil {
			slog.Warn("stored token unusable, will re-login", slog.String("id", id), slog.Any("err", err))
			tok = nil
		}
		tokens[id] = tok
	}
	return tokens
}

// Token returns the decrypted stored token for id, or "" when none is usable.
// A stored token that cannot be decrypted (missing or rotated key) is treated
// as absent so the caller falls back to a fresh login.
func (s *Status) Token(id string, enc crypto.Encryptor) string {
	stored := s.AccessTokens[id]
	if stored == nil || *stored == "" {
		return ""
	}
	token, err := crypto.OpenToken(enc, *stored)
	if err != nil {
		slog.Warn("stored token unusable, will re-login", slog.String("id", id), slog.Any("err", err))
		return ""
	}
	return token
}

// SetToken stores a token for id, encrypting it when a key is configured.
func (s *Status) SetToken(id, token string, enc crypto.Encryptor) error {
	sealed, err := crypto.SealToken(enc, token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	s.AccessTokens[id] = &sealed
	return nil
}

// DropToken removes the stored token for id (after a logout invalidated it
// server-side).
func (s *Status) DropToken(id string) { delete(s.AccessTokens, id) }

// Counters returns the shareable projection of the state.
func (s *Status) Counters() *Counters { return &Counters{Rooms: s.Rooms} }

// Save writes the status file owner-only (it contains access tokens) and
// atomically: the document lands in a temp file in the target directory and
// is renamed into place, so a crash mid-write never truncates existing state.
func (s *Status) Save(path string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return writeFileAtomic(path, b, 0o600)
}

// WriteCounters writes the counter projection compactly. World-readable is
// fine here; that is the point of the projection.
func WriteCounters(c *Counters, path string) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	return writeFileAtomic(path, b, 0o644)
}

// ReadCounters loads a counter file for plotting.
func ReadCounters(path string) (*Counters, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open counter file: %w", err)
	}
	var c Counters
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode counter file: %w", err)
	}
	if c.Rooms == nil {
		return nil, fmt.Errorf("decode counter file: missing rooms key")
	}
	return &c, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	// restrict permissions before any payload is written
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
