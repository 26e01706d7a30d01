package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Identity is who repctl acts as. It stands in for the chat front end's
// notion of the calling member.
type Identity struct {
	RealmID  string `json:"realm_id"`
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
	JoinedAt string `json:"joined_at"`
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.RealmID) == "" || strings.TrimSpace(id.MemberID) == "" {
		return errors.New("no identity set, run `repctl login` or pass --realm and --member")
	}
	if _, err := time.Parse(time.RFC3339, id.JoinedAt); err != nil {
		return fmt.Errorf("joined-at must be RFC3339: %w", err)
	}
	return nil
}

// Merge fills empty fields of id from other.
func (id Identity) Merge(other Identity) Identity {
	if id.RealmID == "" {
		id.RealmID = other.RealmID
	}
	if id.MemberID == "" {
		id.MemberID = other.MemberID
	}
	if id.Name == "" {
		id.Name = other.Name
	}
	if id.JoinedAt == "" {
		id.JoinedAt = other.JoinedAt
	}
	return id
}

// IdentityStore keeps the saved identity under Dir.
type IdentityStore struct {
	Dir string
}

func DefaultIdentityStore() (IdentityStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return IdentityStore{}, err
	}
	return IdentityStore{Dir: filepath.Join(home, ".repctl")}, nil
}

func (s IdentityStore) path() string {
	return filepath.Join(s.Dir, "identity.json")
}

func (s IdentityStore) Save(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	body, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), body, 0o600)
}

// Load returns a zero Identity when nothing has been saved.
func (s IdentityStore) Load() (Identity, error) {
	body, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(body, &id); err != nil {
		return Identity{}, fmt.Errorf("decode %s: %w", s.path(), err)
	}
	return id, nil
}

func (s IdentityStore) Clear() error {
	err := os.Remove(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
