package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ini "gopkg.in/ini.v1"
)

func TestLoadSettings(t *testing.T) {
	cfg, err := ini.Load([]byte(`
[signaling]
websocket_url = wss://signal.example.com/ws
command_timeout = 5
ping_interval = 10

[http]
listen = :9000

[auth]
username = alice
token = tok-123
`))
	require.NoError(t, err)

	s, err := LoadSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wss://signal.example.com/ws", s.WebsocketURL())
	assert.Equal(t, 5*time.Second, s.CommandTimeout())
	assert.Equal(t, 10*time.Second, s.PingInterval())
	assert.Equal(t, ":9000", s.HTTPListen())
	assert.Equal(t, "alice", s.Username())
	assert.Equal(t, "tok-123", s.Token())
}

func TestLoadSettingsDefaults(t *testing.T) {
	cfg, err := ini.Load([]byte("[signaling]\nwebsocket_url = wss://s.example.com\n"))
	require.NoError(t, err)

	s, err := LoadSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, s.CommandTimeout())
	assert.Equal(t, 30*time.Second, s.PingInterval())
	assert.Equal(t, ":8080", s.HTTPListen())
	assert.Equal(t, "voicebridge.prefs", s.PreferencesFile())
	assert.Equal(t, 64, s.NotifyBuffer())
}

func TestLoadSettingsRequiresWebsocketURL(t *testing.T) {
	cfg := ini.Empty()
	_, err := LoadSettings(cfg)
	require.Error(t, err)
}
