package storage

// settings.go contains the key/value settings used to keep the shared
// secret and the last chosen port across restarts.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	apperrors "github.com/souffleur/host/internal/errors"
)

// Well-known settings keys.
const (
	SettingSecret = "secret"
	SettingPort   = "port"
)

// GetSetting returns the value stored under key, or ErrSettingNotFound.
func (s *SQLiteStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get setting "+key, err)
	}
	return value, nil
}

// PutSetting stores value under key, replacing any previous value.
func (s *SQLiteStore) PutSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, key, value, time.Now().Format(time.RFC3339Nano)); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "put setting "+key, err)
	}
	return nil
}

// DeleteSetting removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteSetting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "delete setting "+key, err)
	}
	return nil
}

// LoadOrCreateSecret returns the stored shared secret, generating and
// persisting one with generate on first use. created reports whether a new
// secret was written.
func (s *SQLiteStore) LoadOrCreateSecret(generate func() string) (secret string, created bool, err error) {
	secret, err = s.GetSetting(SettingSecret)
	if err == nil && secret != "" {
		return secret, false, nil
	}
	if err != nil && !errors.Is(err, ErrSettingNotFound) {
		return "", false, err
	}

	secret = generate()
	if secret == "" {
		return "", false, fmt.Errorf("generated secret is empty")
	}
	if err := s.PutSetting(SettingSecret, secret); err != nil {
		return "", false, err
	}
	log.Printf("storage: generated new shared secret")
	return secret, true, nil
}

// Port returns the stored port, or 0 when none is stored.
func (s *SQLiteStore) Port() (int, error) {
	value, err := s.GetSetting(SettingPort)
	if errors.Is(err, ErrSettingNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return 0, apperrors.Wrap(apperrors.CodeStorageQueryFailed, fmt.Sprintf("stored port %q is invalid", value), err)
	}
	return port, nil
}

// SetPort stores port for the next start.
func (s *SQLiteStore) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return apperrors.ConfigInvalid(fmt.Sprintf("port %d out of range", port))
	}
	return s.PutSetting(SettingPort, strconv.Itoa(port))
}
