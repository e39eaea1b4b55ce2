package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/ini.v1"
)

func startBridge(settings *Settings, notifier Notifier) (*VoiceClientManager, *Server, error) {
	coreLog.Info("starting signaling client")

	prefs, err := OpenPrefStore(settings.PreferencesFile())
	if err != nil {
		return nil, nil, fmt.Errorf("preference store: %w", err)
	}
	core := NewCoreContext(prefs)
	telecom := NewTelecomHelper()

	clientCfg := DefaultVoiceClientConfig()
	clientCfg.CommandTimeout = settings.CommandTimeout()
	clientCfg.PingInterval = settings.PingInterval()

	client, err := DialVoiceClient(settings.WebsocketURL(), clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("signaling client: %w", err)
	}

	stats := newBridgeStats()
	manager := NewVoiceClientManager(client, core, telecom, notifier, stats)
	manager.Start()

	if username, token := settings.Username(), settings.Token(); token != "" {
		manager.Login(username, token)
	} else if stored := core.AuthToken(); stored != "" {
		coreLog.Info("logging in with stored credentials")
		manager.Login(core.Username(), stored)
	}

	collector := NewCollector(core, telecom, stats)
	server := NewServer(settings.HTTPListen(), manager, core, telecom, collector)
	return manager, server, nil
}

func main() {
	cfg, err := ini.Load("settings.ini")
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		return
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		return
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		return
	}
	defer closeLogging()
	coreLog.Info("settings loaded")

	notifier := NewChannelNotifier(settings.NotifyBuffer())
	go func() {
		for msg := range notifier.C() {
			coreLog.Infof("notification: %s call=%s", msg.Kind, msg.CallID)
		}
	}()

	manager, server, err := startBridge(settings, notifier)
	if err != nil {
		coreLog.Fatalf("failed to start bridge: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		coreLog.Infof("received %s", sig)
	case err := <-errCh:
		if err != nil {
			coreLog.Errorf("control surface failed: %v", err)
		}
	}

	coreLog.Info("performing a graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		coreLog.Warnf("control surface shutdown: %v", err)
	}
	manager.Stop()
	time.Sleep(time.Second)
}
