package skills

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jedikim/jedisos-sub000/internal/tools"
)

// BundleRunner executes bundle operations in the side-loaded
// interpreter. *Runner is the production implementation.
type BundleRunner interface {
	SyntaxProber
	Inspect(ctx context.Context, bundleDir string) ([]InspectedTool, error)
	Invoke(ctx context.Context, bundleDir, function string, kwargs map[string]any) (any, error)
}

// LoadResult is a validated bundle with its catalog entries, not yet
// inserted into the registry.
type LoadResult struct {
	Bundle      *Bundle
	Descriptors []tools.Descriptor
}

// Loader turns bundle directories into registry entries. The registry
// is only mutated by Activate and Deactivate; Load alone never touches
// it, so a failing bundle leaves the catalog exactly as it was.
type Loader struct {
	root     string
	runner   BundleRunner
	checker  *Checker
	registry *tools.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string][]string // bundle dir -> tool names inserted
}

// NewLoader creates a loader over the given bundle root.
func NewLoader(root string, runner BundleRunner, checker *Checker, registry *tools.Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		root:     root,
		runner:   runner,
		checker:  checker,
		registry: registry,
		logger:   logger.With("component", "skills.loader"),
		active:   make(map[string][]string),
	}
}

// Root returns the bundle root directory.
func (l *Loader) Root() string { return l.root }

// Load validates one bundle directory: read, safety-check, inspect.
func (l *Loader) Load(ctx context.Context, dir string) (*LoadResult, error) {
	bundle, err := ReadBundle(dir)
	if err != nil {
		return nil, err
	}

	check, err := l.checker.Check(ctx, bundle.Name(), bundle.Source)
	if err != nil {
		return nil, err
	}
	if !check.Passed {
		return nil, fmt.Errorf("bundle %s rejected: %s", bundle.Name(), FormatIssues(check.Issues))
	}

	inspected, err := l.runner.Inspect(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(inspected) == 0 {
		return nil, fmt.Errorf("bundle %s exports no tools", bundle.Name())
	}

	descriptors := make([]tools.Descriptor, 0, len(inspected))
	for _, tool := range inspected {
		if !tools.NamePattern.MatchString(tool.Name) {
			return nil, fmt.Errorf("bundle %s: invalid tool name %q", bundle.Name(), tool.Name)
		}
		d := l.descriptor(bundle, tool)
		if err := compileSchema(d.Name, d.Parameters); err != nil {
			return nil, fmt.Errorf("bundle %s: tool %s schema: %w", bundle.Name(), tool.Name, err)
		}
		descriptors = append(descriptors, d)
	}
	return &LoadResult{Bundle: bundle, Descriptors: descriptors}, nil
}

// compileSchema rejects authored parameter schemas that would not form
// valid JSON Schema once published in a function-calling payload.
func compileSchema(name string, schema tools.Schema) error {
	_, err := jsonschema.CompileString(name+".schema.json", string(schema.JSON()))
	return err
}

// descriptor builds one catalog entry whose invoker round-trips through
// the interpreter shim.
func (l *Loader) descriptor(bundle *Bundle, tool InspectedTool) tools.Descriptor {
	schema := tools.Schema{
		Type:       "object",
		Properties: make(map[string]tools.Property, len(tool.Params)),
	}
	for _, p := range tool.Params {
		schema.Properties[p.Name] = tools.Property{
			Type:    p.Type,
			Default: p.Default,
		}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	schema.Normalize()

	dir := bundle.Dir
	name := tool.Name
	description := tool.Description
	if description == "" {
		description = bundle.Manifest.Description
	}
	if len(description) > tools.MaxDescriptionLen {
		description = description[:tools.MaxDescriptionLen]
	}

	return tools.Descriptor{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Origin:      tools.OriginDynamic,
		Tags:        append([]string{"skill"}, bundle.Manifest.Tags...),
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return l.runner.Invoke(ctx, dir, name, args)
		},
	}
}

// Activate inserts a load result's descriptors. Partial failure rolls
// back what was inserted.
func (l *Loader) Activate(res *LoadResult) error {
	var inserted []string
	for _, d := range res.Descriptors {
		if err := l.registry.Insert(d); err != nil {
			for _, name := range inserted {
				l.registry.Remove(name)
			}
			return fmt.Errorf("activate %s: %w", res.Bundle.Name(), err)
		}
		inserted = append(inserted, d.Name)
	}

	l.mu.Lock()
	l.active[res.Bundle.Dir] = inserted
	l.mu.Unlock()

	l.logger.Info("bundle activated", "bundle", res.Bundle.Name(), "tools", strings.Join(inserted, ","))
	return nil
}

// Deactivate removes a bundle's tools from the registry.
func (l *Loader) Deactivate(dir string) {
	l.mu.Lock()
	names := l.active[dir]
	delete(l.active, dir)
	l.mu.Unlock()

	for _, name := range names {
		if err := l.registry.Remove(name); err != nil {
			l.logger.Warn("deactivate: remove failed", "tool", name, "error", err)
		}
	}
}

// ActiveDir returns the bundle directory currently serving a tool name.
func (l *Loader) ActiveDir(toolName string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for dir, names := range l.active {
		for _, n := range names {
			if n == toolName {
				return dir, true
			}
		}
	}
	return "", false
}

// LoadAll scans the root and activates every enabled bundle. Bundles
// that fail validation are logged and skipped; the scan continues.
func (l *Loader) LoadAll(ctx context.Context) int {
	bundles, errs := ScanRoot(l.root)
	for _, err := range errs {
		l.logger.Warn("bundle scan", "error", err)
	}

	activated := 0
	for _, bundle := range bundles {
		if bundle.Disabled {
			continue
		}
		res, err := l.Load(ctx, bundle.Dir)
		if err != nil {
			l.logger.Warn("bundle load failed", "dir", bundle.Dir, "error", err)
			continue
		}
		if err := l.Activate(res); err != nil {
			l.logger.Warn("bundle activation failed", "dir", bundle.Dir, "error", err)
			continue
		}
		activated++
	}
	return activated
}

// Resync reconciles the registry against the current disk state:
// removed or disabled bundles are deactivated, new or re-enabled ones
// are loaded.
func (l *Loader) Resync(ctx context.Context) {
	bundles, errs := ScanRoot(l.root)
	for _, err := range errs {
		l.logger.Warn("bundle scan", "error", err)
	}

	want := make(map[string]bool, len(bundles))
	for _, bundle := range bundles {
		if !bundle.Disabled {
			want[bundle.Dir] = true
		}
	}

	l.mu.Lock()
	var gone []string
	for dir := range l.active {
		if !want[dir] {
			gone = append(gone, dir)
		}
	}
	have := make(map[string]bool, len(l.active))
	for dir := range l.active {
		have[dir] = true
	}
	l.mu.Unlock()

	for _, dir := range gone {
		l.logger.Info("bundle gone or disabled, deactivating", "dir", dir)
		l.Deactivate(dir)
	}
	for dir := range want {
		if have[dir] {
			continue
		}
		res, err := l.Load(ctx, dir)
		if err != nil {
			l.logger.Warn("bundle load failed", "dir", dir, "error", err)
			continue
		}
		if err := l.Activate(res); err != nil {
			l.logger.Warn("bundle activation failed", "dir", dir, "error", err)
		}
	}
}

// Watch follows filesystem events under the bundle root and resyncs
// after a quiet period. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.root); err != nil {
		return fmt.Errorf("watch %s: %w", l.root, err)
	}
	// generated/ may not exist yet; watch it opportunistically.
	generated := filepath.Join(l.root, GeneratedDir)
	if err := watcher.Add(generated); err != nil {
		l.logger.Debug("generated dir not watched yet", "dir", generated, "error", err)
	}

	const quiet = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// A new generated/ dir must itself be watched.
			if ev.Op&fsnotify.Create != 0 && ev.Name == generated {
				if err := watcher.Add(generated); err != nil {
					l.logger.Warn("watch generated dir", "error", err)
				}
			}
			if timer == nil {
				timer = time.NewTimer(quiet)
				timerC = timer.C
			} else {
				timer.Reset(quiet)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			l.Resync(ctx)
		}
	}
}
