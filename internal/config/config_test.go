package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SOCKETHUB_LISTEN", "SOCKETHUB_ID", "SOCKETHUB_REDIS_URL",
		"SOCKETHUB_PLATFORMS", "SOCKETHUB_LISTENER_INTERVAL_TIME",
		"SOCKETHUB_LISTENER_INTERVAL_COUNT", "SOCKETHUB_CATALOG",
		"SOCKETHUB_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":10550" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.SockethubID == "" {
		t.Error("SockethubID should default to a generated id")
	}
	if cfg.ListenerIntervalTime != time.Second {
		t.Errorf("ListenerIntervalTime = %v", cfg.ListenerIntervalTime)
	}
	if cfg.ListenerIntervalCount != 10 {
		t.Errorf("ListenerIntervalCount = %d", cfg.ListenerIntervalCount)
	}
	if len(cfg.Platforms) != 0 {
		t.Errorf("Platforms = %v, want none", cfg.Platforms)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SOCKETHUB_LISTEN", ":8080")
	t.Setenv("SOCKETHUB_ID", "hub-1")
	t.Setenv("SOCKETHUB_REDIS_URL", "redis://redis:6379/1")
	t.Setenv("SOCKETHUB_PLATFORMS", "xmpp, irc ,feeds")
	t.Setenv("SOCKETHUB_LISTENER_INTERVAL_TIME", "250")
	t.Setenv("SOCKETHUB_LISTENER_INTERVAL_COUNT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SockethubID != "hub-1" {
		t.Errorf("SockethubID = %q", cfg.SockethubID)
	}
	if len(cfg.Platforms) != 3 || cfg.Platforms[0] != "xmpp" || cfg.Platforms[1] != "irc" || cfg.Platforms[2] != "feeds" {
		t.Errorf("Platforms = %v", cfg.Platforms)
	}
	if cfg.ListenerIntervalTime != 250*time.Millisecond {
		t.Errorf("ListenerIntervalTime = %v", cfg.ListenerIntervalTime)
	}
	if cfg.ListenerIntervalCount != 5 {
		t.Errorf("ListenerIntervalCount = %d", cfg.ListenerIntervalCount)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		ListenAddr:            ":10550",
		SockethubID:           "hub",
		RedisURL:              "redis://localhost:6379",
		ListenerIntervalTime:  time.Second,
		ListenerIntervalCount: 10,
	}

	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	broken := valid
	broken.RedisURL = ""
	if err := broken.Validate(); err == nil {
		t.Error("missing redis URL accepted")
	}

	broken = valid
	broken.ListenerIntervalCount = 0
	if err := broken.Validate(); err == nil {
		t.Error("zero interval count accepted")
	}
}
