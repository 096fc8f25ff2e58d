package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.SubscriptionTimeoutSec != 1800 {
		t.Fatalf("SubscriptionTimeoutSec = %d, want 1800", cfg.SubscriptionTimeoutSec)
	}
	if cfg.TLSVerifyPeer {
		t.Fatal("TLSVerifyPeer should default to false")
	}
	if cfg.TLSCipherList == "" {
		t.Fatal("TLSCipherList should have a default value")
	}
}

func TestLoadINIOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upnpav.ini")
	contents := "[upnpav]\nbindingPort = 4751\ntlsEnabled = true\ntlsVerifyPeer = true\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadINI(path)
	if err != nil {
		t.Fatalf("LoadINI: %v", err)
	}
	if cfg.BindingPort != 4751 {
		t.Fatalf("BindingPort = %d, want 4751", cfg.BindingPort)
	}
	if !cfg.TLSEnabled || !cfg.TLSVerifyPeer {
		t.Fatal("tls flags should be true")
	}
	if cfg.SubscriptionTimeoutSec != 1800 {
		t.Fatalf("unset keys should keep their default, got %d", cfg.SubscriptionTimeoutSec)
	}
}

func TestLoadINIMissingFile(t *testing.T) {
	if _, err := LoadINI(filepath.Join(t.TempDir(), "missing.ini")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
