package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML profile file, normalizes its text and validates it.
// An empty timestamp is filled with the file's modification time.
func Load(path string) (*ShareData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}

	sd, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}

	if sd.Timestamp == "" {
		if info, err := os.Stat(path); err == nil {
			sd.Timestamp = info.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return sd, nil
}

// Parse decodes a YAML profile document.
func Parse(data []byte) (*ShareData, error) {
	var sd ShareData
	if err := yaml.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	sd.Normalize()
	if err := sd.Validate(); err != nil {
		return nil, err
	}
	return sd.Clone(), nil
}

// Save writes the profile as YAML, atomically.
func Save(path string, sd *ShareData) error {
	data, err := yaml.Marshal(sd)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

// Normalize rewrites user-entered text to Unicode NFC so that visually
// identical names compare equal across devices.
func (sd *ShareData) Normalize() {
	sd.Name = norm.NFC.String(sd.Name)
	sd.Registration = norm.NFC.String(sd.Registration)
	for i := range sd.Hobbies {
		sd.Hobbies[i] = norm.NFC.String(sd.Hobbies[i])
	}
	for i := range sd.Quotes {
		sd.Quotes[i] = norm.NFC.String(sd.Quotes[i])
	}
	for i := range sd.Slots {
		sd.Slots[i].Label = norm.NFC.String(sd.Slots[i].Label)
	}
}
