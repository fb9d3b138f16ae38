package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeTempConfig(t, `
jetstream:
  host: jetstream.example
  port: 443
psky:
  general: psky.social
irc:
  host: 0.0.0.0
  port: 6667
  motd: "welcome"
  tls:
    enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jetstream.Host != "jetstream.example" || cfg.Jetstream.Port != 443 {
		t.Fatalf("jetstream = %+v", cfg.Jetstream)
	}
	if cfg.IRC.Port != 6667 {
		t.Fatalf("irc.port = %d, want 6667", cfg.IRC.Port)
	}
	if cfg.IRC.TLS.Enabled {
		t.Fatal("expected tls.enabled = false")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
jetstream:
  host: jetstream.example
  port: 443
irc:
  host: 0.0.0.0
  port: 6667
  tls:
    enabled: false
`)

	t.Setenv("IRCSKY_IRC__PORT", "6697")
	t.Setenv("IRCSKY_IRC__TLS__ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IRC.Port != 6697 {
		t.Fatalf("irc.port = %d, want 6697 (env override)", cfg.IRC.Port)
	}
	if !cfg.IRC.TLS.Enabled {
		t.Fatal("expected tls.enabled = true from env override")
	}
	// Untouched fields should still reflect the YAML.
	if cfg.Jetstream.Host != "jetstream.example" {
		t.Fatalf("jetstream.host = %q, unexpectedly overridden", cfg.Jetstream.Host)
	}
}

func TestResolveMotdFallsBackToLiteral(t *testing.T) {
	got, ok := ResolveMotd("not-a-real-file-on-disk")
	if !ok || got != "not-a-real-file-on-disk" {
		t.Fatalf("ResolveMotd = %q, %v", got, ok)
	}

	empty, ok := ResolveMotd("")
	if ok || empty != "" {
		t.Fatalf("ResolveMotd(\"\") = %q, %v; want \"\", false", empty, ok)
	}
}
