package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// SessionStore persists per-platform session tokens (OAuth tokens, SSO
// cookies) back into the config file under the platform's "session" key.
// Credentials written by the user are never modified; only the session blocks
// are rewritten when an adapter refreshes its login.
type SessionStore struct {
	path string
}

// NewSessionStore returns a store backed by the given config.
func NewSessionStore(cfg *Config) *SessionStore {
	return &SessionStore{path: cfg.Path()}
}

// Get unmarshals the stored session for a platform into out. It returns
// false when no session is stored.
func (s *SessionStore) Get(platform string, out any) (bool, error) {
	root, err := s.read()
	if err != nil {
		return false, err
	}

	block, ok := root[platform].(map[string]any)
	if !ok {
		return false, nil
	}
	session, ok := block["session"]
	if !ok || session == nil {
		return false, nil
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s session: %w", platform, err)
	}
	return true, nil
}

// Put stores the session for a platform, creating the platform block when it
// does not exist yet.
func (s *SessionStore) Put(platform string, session any) error {
	root, err := s.read()
	if err != nil {
		return err
	}

	block, ok := root[platform].(map[string]any)
	if !ok {
		block = make(map[string]any)
		root[platform] = block
	}
	block["session"] = session

	return s.write(root)
}

// Clear removes the stored session for a platform. It reports whether a
// session was present.
func (s *SessionStore) Clear(platform string) (bool, error) {
	root, err := s.read()
	if err != nil {
		return false, err
	}

	block, ok := root[platform].(map[string]any)
	if !ok {
		return false, nil
	}
	if _, had := block["session"]; !had {
		return false, nil
	}
	delete(block, "session")

	return true, s.write(root)
}

func (s *SessionStore) read() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	root := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return root, nil
}

func (s *SessionStore) write(root map[string]any) error {
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	// Sessions carry credentials-equivalent tokens.
	return os.WriteFile(s.path, data, 0600)
}
