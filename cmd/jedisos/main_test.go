package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jedikim/jedisos-sub000/internal/config"
	"github.com/jedikim/jedisos-sub000/internal/skills"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "vault", "skills", "status", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestServerBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8420", "http://127.0.0.1:8420"},
		{"127.0.0.1:8420", "http://127.0.0.1:8420"},
		{"assistant.local:9000", "http://assistant.local:9000"},
		{"http://assistant.local:9000", "http://assistant.local:9000"},
	}
	for _, tt := range tests {
		if got := serverBaseURL(tt.addr); got != tt.want {
			t.Errorf("serverBaseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("JEDISOS_DATA_DIR", t.TempDir())
	cfg, err := loadConfig(config.DefaultPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Addr == "" {
		t.Error("expected defaulted listen address")
	}
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestSkillsListAndToggle(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("JEDISOS_DATA_DIR", dataDir)

	root := filepath.Join(dataDir, "skills")
	dir := filepath.Join(root, "currency_convert")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := skills.Manifest{
		Name:        "currency_convert",
		Version:     "1.0.0",
		Description: "Convert between currencies",
		Tools:       []skills.ManifestTool{{Name: "currency_convert"}},
	}
	if err := skills.WriteBundle(dir, manifest, "def currency_convert(amount):\n    return amount\n"); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"skills", "list"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("skills list: %v", err)
	}
	if !strings.Contains(out.String(), "currency_convert") {
		t.Fatalf("list output missing bundle:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "enabled") {
		t.Fatalf("list output missing state:\n%s", out.String())
	}

	out.Reset()
	cmd = buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"skills", "disable", "currency_convert"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("skills disable: %v", err)
	}

	bundle, err := skills.ReadBundle(dir)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if !bundle.Disabled {
		t.Error("bundle should be disabled")
	}
}

func TestSkillsDeleteRemovesBundle(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("JEDISOS_DATA_DIR", dataDir)

	root := filepath.Join(dataDir, "skills")
	dir := filepath.Join(root, "scratch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := skills.WriteBundle(dir, skills.Manifest{Name: "scratch"}, "def scratch():\n    return 0\n"); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"skills", "delete", "scratch"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("skills delete: %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("bundle directory should be gone")
	}

	cmd = buildRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"skills", "delete", "scratch"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing bundle")
	}
}
