package main

import (
	"fmt"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	websocketURL   string
	commandTimeout int
	pingInterval   int

	httpListen string

	preferencesFile string

	username string
	token    string

	notifyBuffer int
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("signaling")
	s.websocketURL = sec.Key("websocket_url").String()
	s.commandTimeout = sec.Key("command_timeout").MustInt(15)
	s.pingInterval = sec.Key("ping_interval").MustInt(30)

	sec = cfg.Section("http")
	s.httpListen = sec.Key("listen").MustString(":8080")

	sec = cfg.Section("storage")
	s.preferencesFile = sec.Key("preferences_file").MustString("voicebridge.prefs")

	sec = cfg.Section("auth")
	s.username = sec.Key("username").String()
	s.token = sec.Key("token").String()

	sec = cfg.Section("notify")
	s.notifyBuffer = sec.Key("buffer").MustInt(64)

	if s.websocketURL == "" {
		return nil, fmt.Errorf("signaling websocket_url must be set")
	}

	return s, nil
}

func (s *Settings) WebsocketURL() string    { return s.websocketURL }
func (s *Settings) HTTPListen() string      { return s.httpListen }
func (s *Settings) PreferencesFile() string { return s.preferencesFile }
func (s *Settings) Username() string        { return s.username }
func (s *Settings) Token() string           { return s.token }
func (s *Settings) NotifyBuffer() int       { return s.notifyBuffer }

func (s *Settings) CommandTimeout() time.Duration {
	return time.Duration(s.commandTimeout) * time.Second
}

func (s *Settings) PingInterval() time.Duration {
	return time.Duration(s.pingInterval) * time.Second
}
