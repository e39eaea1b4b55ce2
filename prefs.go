package main

import (
	"fmt"
	"sync"

	ini "gopkg.in/ini.v1"
)

// Preference keys persisted across restarts.
const (
	prefUsername  = "username"
	prefAuthToken = "auth_token"
	prefPushToken = "push_token"
	prefDeviceID  = "device_id"
)

// PrefStore persists a small set of string preferences in an ini file.
// Values are written through to disk on every set so a cold-started
// process can recover the last valid credentials.
type PrefStore struct {
	mu   sync.Mutex
	path string
	file *ini.File
}

// OpenPrefStore loads the preference file at path, creating an empty
// store if the file does not exist yet.
func OpenPrefStore(path string) (*PrefStore, error) {
	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return &PrefStore{path: path, file: file}, nil
}

// Get returns the stored value for key, or "" if unset.
func (p *PrefStore) Get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Section("").Key(key).String()
}

// Set stores value under key and writes the file. An empty value deletes
// the key.
func (p *PrefStore) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sec := p.file.Section("")
	if value == "" {
		sec.DeleteKey(key)
	} else {
		sec.Key(key).SetValue(value)
	}
	if err := p.file.SaveTo(p.path); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
