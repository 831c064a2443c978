package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jedikim/jedisos-sub000/internal/observability"
)

// RouterConfig configures model resolution.
type RouterConfig struct {
	// Fallback is the process-wide chain used when a request carries
	// neither an explicit model nor a role with a mapping.
	Fallback []string

	// Roles maps each role to its own chain. Missing roles fall back to
	// Fallback.
	Roles map[Role][]string

	// CachePath, when set, points at a YAML file holding role overrides.
	// It is read at construction and rewritten on every SetRole.
	CachePath string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Router resolves a request to a model chain and walks it until a
// provider answers. Chains are filtered at construction to models whose
// provider has a credential; an explicit model is attempted as-is.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  []string
	roles     map[Role][]string
	cachePath string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewRouter builds a router over the given providers. Models whose
// provider is absent from the map are dropped from every chain.
func NewRouter(providers map[string]Provider, cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		providers: providers,
		cachePath: cfg.CachePath,
		logger:    logger.With("component", "llm_router"),
		metrics:   cfg.Metrics,
	}

	r.fallback = r.filterChain(cfg.Fallback)
	r.roles = make(map[Role][]string, len(cfg.Roles))
	for role, chain := range cfg.Roles {
		r.roles[role] = r.filterChain(chain)
	}

	if cfg.CachePath != "" {
		if err := r.loadRoleCache(cfg.CachePath); err != nil {
			r.logger.Warn("role cache not loaded", "path", cfg.CachePath, "error", err)
		}
	}

	return r
}

// filterChain drops models that no available provider serves.
func (r *Router) filterChain(chain []string) []string {
	kept := make([]string, 0, len(chain))
	for _, model := range chain {
		name := ProviderForModel(model)
		if name == "" {
			r.logger.Warn("model has no provider mapping, dropped", "model", model)
			continue
		}
		if _, ok := r.providers[name]; !ok {
			r.logger.Debug("model dropped, provider has no credential", "model", model, "provider", name)
			continue
		}
		kept = append(kept, model)
	}
	return kept
}

// resolve returns the chain for a request. Explicit model wins, then the
// role chain, then the process fallback.
func (r *Router) resolve(req Request) []string {
	if req.Model != "" {
		return []string{req.Model}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if req.Role != "" {
		if chain, ok := r.roles[req.Role]; ok && len(chain) > 0 {
			return chain
		}
	}
	return r.fallback
}

func (r *Router) providerFor(model string) (Provider, error) {
	name := ProviderForModel(model)
	if name == "" {
		return nil, fmt.Errorf("no provider for model %q", model)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q unavailable for model %q", name, model)
	}
	return p, nil
}

// Complete tries each model in the resolved chain until one succeeds.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	chain := r.resolve(req)
	if len(chain) == 0 {
		return nil, ErrNoModels
	}

	var errs []error
	for _, model := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		provider, err := r.providerFor(model)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		attempt := req
		attempt.Model = model
		start := time.Now()
		resp, err := provider.Complete(ctx, attempt)
		r.observe(provider.Name(), model, start, err)
		if err != nil {
			r.logger.Warn("model failed, advancing chain",
				"provider", provider.Name(), "model", model, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			continue
		}
		if resp.Model == "" {
			resp.Model = model
		}
		r.countTokens(provider.Name(), model, resp.InputTokens, resp.OutputTokens)
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllModelsFailed, errors.Join(errs...))
}

// Stream opens a streaming call against the first model whose provider
// accepts the request. Failure to open advances the chain; once a stream
// is open its chunks pass through untouched, errors included.
func (r *Router) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chain := r.resolve(req)
	if len(chain) == 0 {
		return nil, ErrNoModels
	}

	var errs []error
	for _, model := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		provider, err := r.providerFor(model)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		attempt := req
		attempt.Model = model
		start := time.Now()
		chunks, err := provider.Stream(ctx, attempt)
		if err != nil {
			r.observe(provider.Name(), model, start, err)
			r.logger.Warn("stream open failed, advancing chain",
				"provider", provider.Name(), "model", model, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			continue
		}
		return r.instrument(provider.Name(), model, start, chunks), nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllModelsFailed, errors.Join(errs...))
}

// instrument forwards chunks while recording latency and token counts once
// the stream finishes.
func (r *Router) instrument(provider, model string, start time.Time, in <-chan Chunk) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range in {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			if chunk.Done {
				r.countTokens(provider, model, chunk.InputTokens, chunk.OutputTokens)
			}
			out <- chunk
		}
		r.observe(provider, model, start, streamErr)
	}()
	return out
}

func (r *Router) observe(provider, model string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	r.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
}

func (r *Router) countTokens(provider, model string, input, output int) {
	if r.metrics == nil {
		return
	}
	if input > 0 {
		r.metrics.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(input))
	}
	if output > 0 {
		r.metrics.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(output))
	}
}

// SetRole replaces the chain for one role at runtime and persists the
// mapping when a cache path is configured. The chain is credential
// filtered like construction-time chains.
func (r *Router) SetRole(role Role, chain []string) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	filtered := r.filterChain(chain)
	if len(filtered) == 0 {
		return fmt.Errorf("role %q: %w", role, ErrNoModels)
	}

	r.mu.Lock()
	r.roles[role] = filtered
	path := r.cachePath
	snapshot := r.rolesLocked()
	r.mu.Unlock()

	if path == "" {
		return nil
	}
	return saveRoleCache(path, snapshot)
}

// RoleChains returns a copy of the current role mappings.
func (r *Router) RoleChains() map[Role][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rolesLocked()
}

func (r *Router) rolesLocked() map[Role][]string {
	out := make(map[Role][]string, len(r.roles))
	for role, chain := range r.roles {
		out[role] = append([]string(nil), chain...)
	}
	return out
}

// loadRoleCache merges persisted role overrides over the configured
// defaults. A missing file is not an error.
func (r *Router) loadRoleCache(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var cached map[Role][]string
	if err := yaml.Unmarshal(raw, &cached); err != nil {
		return fmt.Errorf("parse role cache: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, chain := range cached {
		if !role.Valid() {
			r.logger.Warn("role cache names unknown role, skipped", "role", role)
			continue
		}
		if filtered := r.filterChain(chain); len(filtered) > 0 {
			r.roles[role] = filtered
		}
	}
	return nil
}

func saveRoleCache(path string, roles map[Role][]string) error {
	raw, err := yaml.Marshal(roles)
	if err != nil {
		return fmt.Errorf("encode role cache: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
