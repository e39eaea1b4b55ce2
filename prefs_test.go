package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.ini")

	store, err := OpenPrefStore(path)
	require.NoError(t, err)
	assert.Equal(t, "", store.Get(prefUsername))

	require.NoError(t, store.Set(prefUsername, "alice"))
	require.NoError(t, store.Set(prefAuthToken, "tok-123"))
	assert.Equal(t, "alice", store.Get(prefUsername))

	// A fresh store sees what the first one persisted.
	reopened, err := OpenPrefStore(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", reopened.Get(prefUsername))
	assert.Equal(t, "tok-123", reopened.Get(prefAuthToken))
}

func TestPrefStoreEmptyValueDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.ini")

	store, err := OpenPrefStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(prefDeviceID, "dev-1"))
	require.NoError(t, store.Set(prefDeviceID, ""))
	assert.Equal(t, "", store.Get(prefDeviceID))

	reopened, err := OpenPrefStore(path)
	require.NoError(t, err)
	assert.Equal(t, "", reopened.Get(prefDeviceID))
}
