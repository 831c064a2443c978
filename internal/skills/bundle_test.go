package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestBundle(t *testing.T, root, name, source string, disabled bool) string {
	t.Helper()
	dir := filepath.Join(root, name)
	manifest := Manifest{Name: name, Version: "0.1.0", Description: name + " bundle"}
	if err := WriteBundle(dir, manifest, source); err != nil {
		t.Fatalf("WriteBundle(%s): %v", name, err)
	}
	if disabled {
		if err := os.WriteFile(filepath.Join(dir, DisabledSentinel), nil, 0o644); err != nil {
			t.Fatalf("write sentinel: %v", err)
		}
	}
	return dir
}

func TestReadBundleRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir := writeTestBundle(t, root, "echo", "def echo() -> str:\n    return 'hi'\n", false)

	bundle, err := ReadBundle(dir)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if bundle.Name() != "echo" {
		t.Errorf("Name = %q", bundle.Name())
	}
	if bundle.Disabled {
		t.Error("bundle unexpectedly disabled")
	}
	if bundle.Manifest.Version != "0.1.0" {
		t.Errorf("Version = %q", bundle.Manifest.Version)
	}
	if bundle.Source == "" {
		t.Error("empty source")
	}
}

func TestReadBundleMissingManifest(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "partial")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, SourceFile), []byte("pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBundle(dir); err == nil {
		t.Fatal("expected error for missing tool.yaml")
	}
}

func TestScanRootFindsBundlesAndSkipsHidden(t *testing.T) {
	root := t.TempDir()
	writeTestBundle(t, root, "alpha", "pass\n", false)
	writeTestBundle(t, root, "beta", "pass\n", true)
	writeTestBundle(t, filepath.Join(root, GeneratedDir), "gamma", "pass\n", false)
	writeTestBundle(t, root, ".hidden", "pass\n", false)
	writeTestBundle(t, root, "__pycache__", "pass\n", false)

	// A directory without tool.py is not a bundle.
	if err := os.MkdirAll(filepath.Join(root, "notabundle"), 0o755); err != nil {
		t.Fatal(err)
	}

	bundles, errs := ScanRoot(root)
	if len(errs) != 0 {
		t.Fatalf("scan errors: %v", errs)
	}

	byName := map[string]*Bundle{}
	for _, b := range bundles {
		byName[b.Name()] = b
	}
	if len(byName) != 3 {
		t.Fatalf("found %d bundles, want 3: %v", len(byName), byName)
	}
	if byName["alpha"] == nil || byName["gamma"] == nil {
		t.Error("alpha or generated/gamma missing")
	}
	if byName["beta"] == nil || !byName["beta"].Disabled {
		t.Error("beta should be present and disabled")
	}
}

func TestSetDisabledTogglesSentinel(t *testing.T) {
	root := t.TempDir()
	dir := writeTestBundle(t, root, "toggle", "pass\n", false)
	bundle, err := ReadBundle(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := bundle.SetDisabled(true); err != nil {
		t.Fatalf("SetDisabled(true): %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DisabledSentinel)); err != nil {
		t.Error("sentinel not created")
	}

	if err := bundle.SetDisabled(false); err != nil {
		t.Fatalf("SetDisabled(false): %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DisabledSentinel)); !os.IsNotExist(err) {
		t.Error("sentinel not removed")
	}

	// Disabling twice must not fail.
	if err := bundle.SetDisabled(false); err != nil {
		t.Errorf("idempotent disable(false): %v", err)
	}
}
