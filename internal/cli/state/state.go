// Package state persists the CLI's saved login across invocations. The
// state file lives next to the CLI config and holds a single JSON object;
// a missing file reads as a logged-out state.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TokenState is the saved login.
type TokenState struct {
	Token    string    `json:"token"`
	Username string    `json:"username,omitempty"`
	Role     string    `json:"role,omitempty"`
	SavedAt  time.Time `json:"saved_at,omitempty"`
}

// LoggedIn reports whether a token is present.
func (st TokenState) LoggedIn() bool { return st.Token != "" }

// Stale reports whether the saved token is older than maxAge. A zero
// SavedAt (hand-edited file, or `set token`) never reads as stale.
func (st TokenState) Stale(maxAge time.Duration) bool {
	if st.Token == "" || st.SavedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return time.Since(st.SavedAt) > maxAge
}

// Masked renders the token safe for terminal output.
func (st TokenState) Masked() string {
	if st.Token == "" {
		return "<empty>"
	}
	if len(st.Token) <= 12 {
		return strings.Repeat("*", len(st.Token))
	}
	return st.Token[:6] + "..." + st.Token[len(st.Token)-4:]
}

// Load reads the state file. Missing or empty files yield a zero state
// so a fresh install needs no setup step.
func Load(path string) (TokenState, error) {
	var st TokenState
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read login state: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse login state %s: %w", path, err)
	}
	return st, nil
}

// Save writes the state file with owner-only permissions. The write goes
// through a temp file so a crash cannot leave a half-written token.
func Save(path string, st TokenState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create login state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode login state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("stage login state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write login state: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod login state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close login state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install login state: %w", err)
	}
	return nil
}

// Clear removes the state file. Clearing an absent file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove login state: %w", err)
	}
	return nil
}
