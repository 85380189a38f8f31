package files

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StatusRecord describes the last update cycle.
type StatusRecord struct {
	State          string    `yaml:"state"`
	LocalVersion   float64   `yaml:"local_version"`
	ServerVersion  float64   `yaml:"server_version,omitempty"`
	BytesRead      uint32    `yaml:"bytes_read,omitempty"`
	ExpectedLength uint32    `yaml:"expected_length,omitempty"`
	SHA256         string    `yaml:"sha256,omitempty"`
	Error          string    `yaml:"error,omitempty"`
	UpdatedAt      time.Time `yaml:"updated_at"`
}

func SaveStatus(storage Storage, name string, rec StatusRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return WriteFile(storage, name, data)
}

func LoadStatus(storage Storage, name string) (StatusRecord, error) {
	var rec StatusRecord

	data, err := ReadFile(storage, name)
	if err != nil {
		return rec, err
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to parse status %s: %w", name, err)
	}
	return rec, nil
}

// AppendHistory adds one line per finished cycle to the history log.
func AppendHistory(storage Storage, name string, rec StatusRecord) error {
	line := fmt.Sprintf("%s state=%s local=%g server=%g bytes=%d/%d",
		rec.UpdatedAt.UTC().Format(time.RFC3339), rec.State,
		rec.LocalVersion, rec.ServerVersion, rec.BytesRead, rec.ExpectedLength)
	if rec.Error != "" {
		line += fmt.Sprintf(" error=%q", rec.Error)
	}
	return AppendFile(storage, name, []byte(line+"\n"))
}
