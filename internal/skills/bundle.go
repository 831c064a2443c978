// Package skills turns directories of generated Python tools into live
// catalog entries. It scans bundle directories, runs the safety checker
// over their source, fronts them with a sandboxed interpreter shim, and
// synthesizes brand-new bundles from free-text requests.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SourceFile is the executable unit of a bundle.
	SourceFile = "tool.py"

	// ManifestFile is the bundle descriptor.
	ManifestFile = "tool.yaml"

	// DisabledSentinel marks a bundle the loader must skip.
	DisabledSentinel = ".disabled"

	// GeneratedDir is where the synthesizer writes new bundles,
	// scanned in addition to the root's own children.
	GeneratedDir = "generated"
)

// ManifestTool names one exported function inside a bundle.
type ManifestTool struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Manifest mirrors tool.yaml.
type Manifest struct {
	Name          string         `yaml:"name"`
	Version       string         `yaml:"version,omitempty"`
	Description   string         `yaml:"description,omitempty"`
	Author        string         `yaml:"author,omitempty"`
	AutoGenerated bool           `yaml:"auto_generated,omitempty"`
	Created       string         `yaml:"created,omitempty"`
	License       string         `yaml:"license,omitempty"`
	Tags          []string       `yaml:"tags,omitempty"`
	Tools         []ManifestTool `yaml:"tools,omitempty"`
	EnvRequired   []string       `yaml:"env_required,omitempty"`
}

// Bundle is one on-disk skill directory.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Source   string
	Disabled bool
}

// Name returns the manifest name, falling back to the directory base.
func (b *Bundle) Name() string {
	if b.Manifest.Name != "" {
		return b.Manifest.Name
	}
	return filepath.Base(b.Dir)
}

// ReadBundle loads one bundle directory. Both tool.py and tool.yaml
// must exist and parse.
func ReadBundle(dir string) (*Bundle, error) {
	srcBytes, err := os.ReadFile(filepath.Join(dir, SourceFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SourceFile, err)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}

	_, sentinelErr := os.Stat(filepath.Join(dir, DisabledSentinel))

	return &Bundle{
		Dir:      dir,
		Manifest: manifest,
		Source:   string(srcBytes),
		Disabled: sentinelErr == nil,
	}, nil
}

// WriteBundle renders a manifest and source into dir, creating it.
func WriteBundle(dir string, manifest Manifest, source string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("render manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), manifestBytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ManifestFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SourceFile), []byte(source), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", SourceFile, err)
	}
	return nil
}

// SetDisabled creates or removes the sentinel file.
func (b *Bundle) SetDisabled(disabled bool) error {
	sentinel := filepath.Join(b.Dir, DisabledSentinel)
	if disabled {
		f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create sentinel: %w", err)
		}
		f.Close()
	} else {
		if err := os.Remove(sentinel); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove sentinel: %w", err)
		}
	}
	b.Disabled = disabled
	return nil
}

// hiddenName reports directory names the scanner must never descend
// into.
func hiddenName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__")
}

// ScanRoot finds all bundles one level under root plus under
// root/generated. Directories without a tool.py are not bundles and are
// skipped silently; a present but unreadable bundle is reported.
func ScanRoot(root string) ([]*Bundle, []error) {
	var bundles []*Bundle
	var errs []error

	scanDir := func(parent string) {
		entries, err := os.ReadDir(parent)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("scan %s: %w", parent, err))
			}
			return
		}
		for _, entry := range entries {
			if !entry.IsDir() || hiddenName(entry.Name()) || entry.Name() == GeneratedDir {
				continue
			}
			dir := filepath.Join(parent, entry.Name())
			if _, err := os.Stat(filepath.Join(dir, SourceFile)); err != nil {
				continue
			}
			bundle, err := ReadBundle(dir)
			if err != nil {
				errs = append(errs, fmt.Errorf("bundle %s: %w", entry.Name(), err))
				continue
			}
			bundles = append(bundles, bundle)
		}
	}

	scanDir(root)
	scanDir(filepath.Join(root, GeneratedDir))
	return bundles, errs
}
