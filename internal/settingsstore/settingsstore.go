// Package settingsstore wraps a contracts.ConfigStore with the whole-document
// transaction discipline spec.md §3 requires: Settings updates only ever
// happen inside a transaction that atomically rewrites the entire document,
// so partial writes are never observable.
//
// Grounded on internal/store/memory.go's map-plus-mutex CRUD,
// generalized here from per-key operations to a single JSON document guarded
// by one mutex.
package settingsstore

import (
	"encoding/json"
	"sync"

	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
	"github.com/rs/zerolog/log"
)

// Store is the in-process owner of the persisted Settings document. It is
// the only component permitted to call the underlying ConfigStore.
type Store struct {
	mu      sync.Mutex
	backing contracts.ConfigStore
	current models.Settings
	loaded  bool
}

// New wraps backing with the transaction discipline. It does not load
// anything until Load is called.
func New(backing contracts.ConfigStore) *Store {
	return &Store{backing: backing}
}

// Load reads the persisted document, if any, and returns a copy of the
// resulting Settings. If the backing store has never been written to,
// Load returns the zero-value Settings (GcdState will compute as
// unconfigured, per spec.md §4.1).
func (s *Store) Load() (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backing.LoadSettings()
	if err != nil {
		return models.Settings{}, contracts.Wrap(contracts.DomainBuffet, "config_load_failed", "loading settings document", err)
	}
	if raw == "" {
		s.current = models.Settings{}
		s.loaded = true
		return s.current.Clone(), nil
	}

	var doc models.Settings
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return models.Settings{}, contracts.Wrap(contracts.DomainBuffet, "config_corrupt", "settings document is not valid JSON", err)
	}
	s.current = doc
	s.loaded = true
	return s.current.Clone(), nil
}

// Get returns the last-loaded Settings without touching the backing store.
// Callers must call Load at least once first.
func (s *Store) Get() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Update runs fn against a mutable copy of the current Settings and, if fn
// returns nil, atomically persists the result as the new document. fn's
// mutations are invisible to other callers until Update returns
// successfully — there is no partially-written intermediate state.
func (s *Store) Update(fn func(*models.Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	if err := fn(&next); err != nil {
		return err
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return contracts.Wrap(contracts.DomainBuffet, "config_encode_failed", "encoding settings document", err)
	}
	if err := s.backing.SaveSettings(string(encoded)); err != nil {
		return contracts.Wrap(contracts.DomainBuffet, "config_save_failed", "persisting settings document", err)
	}

	s.current = next
	s.loaded = true
	log.Debug().Msg("settings document persisted")
	return nil
}

// ApplyRegistration performs the one transaction spec.md §4.1 allows after a
// successful registration sequence: it writes cloud_id, refresh_token, and
// robot_account together, or none of them.
func (s *Store) ApplyRegistration(cloudID, refreshToken, robotAccount string) error {
	return s.Update(func(set *models.Settings) error {
		set.CloudID = cloudID
		set.RefreshToken = refreshToken
		set.RobotAccount = robotAccount
		return nil
	})
}

// Reset erases refresh_token, cloud_id, robot_account atomically (spec.md
// §4.1 "Explicit reset"). access_token lives in the token manager, not here,
// but is cleared by the same event; see internal/controller.
func (s *Store) Reset() error {
	return s.Update(func(set *models.Settings) error {
		set.RefreshToken = ""
		set.CloudID = ""
		set.RobotAccount = ""
		return nil
	})
}

// EnsureDeviceSecret generates and persists a random 16+ byte device secret
// if one is not already present (spec.md §4.6). Returns the effective
// secret either way.
func (s *Store) EnsureDeviceSecret(generate func() (string, error)) (string, error) {
	s.mu.Lock()
	existing := s.current.DeviceSecret
	s.mu.Unlock()
	if existing != "" {
		return existing, nil
	}

	secret, err := generate()
	if err != nil {
		return "", contracts.Wrap(contracts.DomainBuffet, "device_secret_generate_failed", "generating device secret", err)
	}
	if err := s.Update(func(set *models.Settings) error {
		if set.DeviceSecret == "" {
			set.DeviceSecret = secret
		}
		return nil
	}); err != nil {
		return "", err
	}
	return s.Get().DeviceSecret, nil
}
