package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/pineai/internal/types"
)

// Credentials holds the access token obtained from the email verification
// flow. They are written by `pineai auth login` and read on connect; the
// watcher picks up refreshes written while a client is running.
type Credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
}

func (c *Credentials) Valid() bool {
	return c != nil && c.AccessToken != "" && c.UserID != ""
}

func CredentialsPath(dataDir string) string {
	return filepath.Join(dataDir, "credentials.json")
}

// LoadCredentials reads credentials from dataDir. A missing file yields
// empty credentials, not an error.
func LoadCredentials(dataDir string) (*Credentials, error) {
	data, err := os.ReadFile(CredentialsPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// SaveCredentials writes credentials atomically (temp file then rename).
func SaveCredentials(dataDir string, creds *Credentials) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	data = append(data, '\n')
	path := CredentialsPath(dataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// ClearCredentials removes the credentials file.
func ClearCredentials(dataDir string) error {
	err := os.Remove(CredentialsPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeviceID returns the stable per-device identifier, creating and persisting
// one on first use. Failure to persist is not fatal; a fresh id is returned.
func DeviceID(dataDir string) types.DeviceID {
	path := filepath.Join(dataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return types.DeviceID(id)
		}
	}
	id := types.NewDeviceID()
	if err := os.MkdirAll(dataDir, 0o755); err == nil {
		_ = os.WriteFile(path, []byte(string(id)+"\n"), 0o644)
	}
	return id
}
