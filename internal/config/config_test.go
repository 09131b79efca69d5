package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreLocalProfileAuthDisabled(t *testing.T) {
	d := Defaults()
	if d.Profile != ProfileLocal {
		t.Errorf("expected default profile local, got %q", d.Profile)
	}
	if d.Auth.Enabled {
		t.Error("expected default auth disabled")
	}
}

func TestProfileServerBindsAnyAddressWithAuth(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, FlagOverrides{Profile: func() *Profile { p := ProfileServer; return &p }()})
	if err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := mgr.Get()
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected server profile to bind 0.0.0.0, got %q", cfg.Server.Host)
	}
	if !cfg.Auth.Enabled {
		t.Error("expected server profile to enable auth")
	}
}

func TestUserDocOverridesProfileDefaults(t *testing.T) {
	dir := t.TempDir()
	doc := "profile: tunnel\nserver:\n  port: 9999\nauth:\n  session_ttl: 2h\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	mgr := NewManager(dir, FlagOverrides{})
	if err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := mgr.Get()
	if cfg.Profile != ProfileTunnel {
		t.Errorf("expected profile tunnel from doc, got %q", cfg.Profile)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999 from doc, got %d", cfg.Server.Port)
	}
	if cfg.Auth.SessionTTL != 2*time.Hour {
		t.Errorf("expected session ttl 2h from doc, got %v", cfg.Auth.SessionTTL)
	}
	if !cfg.Auth.Enabled {
		t.Error("expected tunnel profile to carry auth enabled even though the doc didn't set it directly")
	}
}

func TestEnvOverridesUserDoc(t *testing.T) {
	dir := t.TempDir()
	doc := "server:\n  port: 1111\n"
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0644)

	t.Setenv("ROOST_SERVER_PORT", "2222")
	mgr := NewManager(dir, FlagOverrides{})
	if err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := mgr.Get().Server.Port; got != 2222 {
		t.Errorf("expected env to win over doc, got port %d", got)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOST_SERVER_PORT", "2222")
	port := 3333
	mgr := NewManager(dir, FlagOverrides{ServerPort: &port})
	if err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := mgr.Get().Server.Port; got != 3333 {
		t.Errorf("expected flag to win over env, got port %d", got)
	}
}

func TestRuntimeOverrideSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, FlagOverrides{})
	if err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	mgr.SetRuntimeOverride(func(o *overlay) {
		b := true
		o.AuthEnabled = &b
	})
	if !mgr.Get().Auth.Enabled {
		t.Fatal("expected runtime override to take effect immediately")
	}
	if err := mgr.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !mgr.Get().Auth.Enabled {
		t.Fatal("expected runtime override to survive a reload of the lower tiers")
	}
}

func TestParseProfileRejectsUnknown(t *testing.T) {
	if _, err := ParseProfile("bogus"); err == nil {
		t.Fatal("expected error for unknown profile name")
	}
	if p, err := ParseProfile("SERVER"); err != nil || p != ProfileServer {
		t.Fatalf("expected case-insensitive match to server, got %q, %v", p, err)
	}
}
