package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/internal/search"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// DefaultMaxRetries bounds drafting attempts per synthesis request.
const DefaultMaxRetries = 3

// searchResultsPerQuery bounds one reference search.
const searchResultsPerQuery = 5

// Searcher is the slice of the web client the synthesizer uses.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
	Fetch(ctx context.Context, url string) (string, error)
}

// Notifier broadcasts lifecycle events to every registered surface.
type Notifier interface {
	Broadcast(ctx context.Context, event models.NotificationEvent)
}

// draftSpec is the JSON object the model must produce when drafting.
type draftSpec struct {
	ToolName    string   `json:"tool_name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	EnvRequired []string `json:"env_required"`
	Code        string   `json:"code"`
}

// probeCase is one model-proposed runtime test.
type probeCase struct {
	Description string         `json:"description"`
	Kwargs      map[string]any `json:"kwargs"`
	ExpectError bool           `json:"expect_error"`
}

// Synthesizer builds new skill bundles from free-text requests: gather
// references, draft, check, write, load, probe, activate, announce.
type Synthesizer struct {
	llm        Completer
	search     Searcher
	memory     memory.Engine
	loader     *Loader
	notifier   Notifier
	logger     *slog.Logger
	metrics    *observability.Metrics
	maxRetries int

	generating atomic.Bool
	runs       sync.WaitGroup
}

// SynthesizerOption configures a Synthesizer.
type SynthesizerOption func(*Synthesizer)

// WithMaxRetries overrides the drafting attempt bound.
func WithMaxRetries(n int) SynthesizerOption {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithMetrics wires synthesis outcome counters.
func WithMetrics(m *observability.Metrics) SynthesizerOption {
	return func(s *Synthesizer) { s.metrics = m }
}

// NewSynthesizer wires the pipeline's collaborators.
func NewSynthesizer(completer Completer, searcher Searcher, engine memory.Engine, loader *Loader, notifier Notifier, logger *slog.Logger, opts ...SynthesizerOption) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synthesizer{
		llm:        completer,
		search:     searcher,
		memory:     engine,
		loader:     loader,
		notifier:   notifier,
		logger:     logger.With("component", "skills.synthesizer"),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generating reports whether a synthesis run is in flight.
func (s *Synthesizer) Generating() bool {
	return s.generating.Load()
}

// Spawn starts a background run for the request. It returns false when
// another run is already in flight; only one synthesis may race the
// bundle root at a time.
func (s *Synthesizer) Spawn(request string) bool {
	if !s.generating.CompareAndSwap(false, true) {
		return false
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.generating.Store(false)
		if _, err := s.Run(context.Background(), request); err != nil {
			s.logger.Warn("synthesis failed", "request", request, "error", err)
		}
	}()
	return true
}

// Wait blocks until in-flight runs finish. Used at shutdown.
func (s *Synthesizer) Wait() {
	s.runs.Wait()
}

// Run executes the full pipeline synchronously. References are gathered
// once and shared by every attempt; only the failure context changes
// between retries. Success activates the bundle and broadcasts
// readiness; exhaustion broadcasts failure.
func (s *Synthesizer) Run(ctx context.Context, request string) (*LoadResult, error) {
	webRefs := s.gatherWebReferences(ctx, request)
	memRefs := s.gatherMemoryReferences(ctx, request)

	var failure string
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		res, reason := s.attempt(ctx, request, webRefs, memRefs, failure, attempt)
		if res != nil {
			s.commit(ctx, request, res)
			s.count("success")
			return res, nil
		}
		s.logger.Info("synthesis attempt failed",
			"attempt", attempt,
			"max", s.maxRetries,
			"reason", reason)
		s.count("rejected")
		failure = reason
	}

	s.count("failure")
	s.notifier.Broadcast(ctx, models.NotificationEvent{
		Kind:    models.EventSkillFailed,
		Message: fmt.Sprintf("skill generation failed: %s", request),
	})
	return nil, fmt.Errorf("synthesis exhausted after %d attempts: %s", s.maxRetries, failure)
}

func (s *Synthesizer) count(status string) {
	if s.metrics != nil {
		s.metrics.SynthesisCounter.WithLabelValues(status).Inc()
	}
}

// attempt runs draft through probe. A nil result carries the failure
// reason for the next retry.
func (s *Synthesizer) attempt(ctx context.Context, request, webRefs, memRefs, failure string, attempt int) (*LoadResult, string) {
	spec, reason := s.draft(ctx, request, webRefs, memRefs, failure)
	if spec == nil {
		return nil, reason
	}

	if !tools.NamePattern.MatchString(spec.ToolName) {
		return nil, fmt.Sprintf("invalid_name: %q must match %s", spec.ToolName, tools.NamePattern.String())
	}

	check, err := s.loader.checker.Check(ctx, spec.ToolName, spec.Code)
	if err != nil {
		return nil, fmt.Sprintf("safety check unavailable: %v", err)
	}
	if !check.Passed {
		return nil, fmt.Sprintf("safety check failed: %s", FormatIssues(check.Issues))
	}

	dir := filepath.Join(s.loader.Root(), GeneratedDir, spec.ToolName)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Sprintf("invalid_name: bundle %q already exists", spec.ToolName)
	}

	manifest := Manifest{
		Name:          spec.ToolName,
		Version:       "0.1.0",
		Description:   spec.Description,
		AutoGenerated: true,
		Created:       time.Now().UTC().Format(time.RFC3339),
		Tags:          spec.Tags,
		EnvRequired:   spec.EnvRequired,
	}
	if err := WriteBundle(dir, manifest, spec.Code); err != nil {
		return nil, fmt.Sprintf("write bundle: %v", err)
	}

	res, err := s.loader.Load(ctx, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Sprintf("load failed: %v", err)
	}

	if reason := s.probe(ctx, res); reason != "" {
		os.RemoveAll(dir)
		return nil, reason
	}

	// Record the exported surface in the manifest now that it is known.
	for _, t := range res.Descriptors {
		manifest.Tools = append(manifest.Tools, ManifestTool{Name: t.Name, Description: t.Description})
	}
	if err := WriteBundle(dir, manifest, spec.Code); err != nil {
		s.logger.Warn("manifest rewrite failed", "dir", dir, "error", err)
	}

	s.logger.Info("synthesis attempt succeeded", "attempt", attempt, "tool", spec.ToolName)
	return res, ""
}

// commit persists the skill record, activates the bundle and announces
// it. Activation failure (a racing duplicate) retires the directory.
func (s *Synthesizer) commit(ctx context.Context, request string, res *LoadResult) {
	name := res.Bundle.Name()

	var fns []string
	for _, d := range res.Descriptors {
		fns = append(fns, d.Name)
	}
	record := fmt.Sprintf("Skill created: %s - %s. Functions: %s. Original request: %s",
		name, res.Bundle.Manifest.Description, strings.Join(fns, ", "), request)
	if _, err := s.memory.Retain(ctx, record, string(models.RoleSystem), memory.SkillBank); err != nil {
		s.logger.Warn("skill bank retain failed", "skill", name, "error", err)
	}

	if err := s.loader.Activate(res); err != nil {
		s.logger.Error("activation failed after probes", "skill", name, "error", err)
		os.RemoveAll(res.Bundle.Dir)
		s.notifier.Broadcast(ctx, models.NotificationEvent{
			Kind:    models.EventSkillFailed,
			Message: fmt.Sprintf("skill generation failed: %s", request),
		})
		return
	}

	s.notifier.Broadcast(ctx, models.NotificationEvent{
		Kind:    models.EventSkillReady,
		Message: fmt.Sprintf("`%s` is ready", name),
	})
}

// gatherWebReferences is advisory: any failure returns what was
// collected so far, possibly nothing.
func (s *Synthesizer) gatherWebReferences(ctx context.Context, request string) string {
	queries := s.referenceQueries(ctx, request)

	var merged []search.Result
	seen := map[string]bool{}
	for _, query := range queries {
		results, err := s.search.Search(ctx, query, searchResultsPerQuery)
		if err != nil {
			s.logger.Debug("reference search failed", "query", query, "error", err)
			continue
		}
		for _, r := range results {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			merged = append(merged, r)
		}
	}
	if len(merged) == 0 {
		return ""
	}

	picks := pickContentRich(merged, 2)
	bodies := make([]string, len(picks))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range picks {
		i, r := i, r
		g.Go(func() error {
			text, err := s.search.Fetch(gctx, r.URL)
			if err != nil {
				s.logger.Debug("reference fetch failed", "url", r.URL, "error", err)
				return nil
			}
			bodies[i] = text
			return nil
		})
	}
	g.Wait()

	var sb strings.Builder
	sb.WriteString("Search results:\n")
	for _, r := range merged {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
	}
	for i, body := range bodies {
		if body == "" {
			continue
		}
		fmt.Fprintf(&sb, "\nContent from %s:\n%s\n", picks[i].URL, body)
	}
	return sb.String()
}

// referenceQueries asks the model for 2-3 focused queries; the raw
// request serves as fallback.
func (s *Synthesizer) referenceQueries(ctx context.Context, request string) []string {
	prompt := fmt.Sprintf(
		"Emit 2-3 focused web search queries that would find API documentation or code examples for building this tool:\n\n%s\n\nRespond with a JSON array of strings only.",
		request)
	resp, err := s.llm.Complete(ctx, llm.Request{
		Role:     llm.RoleCode,
		Messages: []models.Message{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return []string{request}
	}
	var queries []string
	if err := salvageJSON(resp.Text, &queries); err != nil || len(queries) == 0 {
		return []string{request}
	}
	if len(queries) > 3 {
		queries = queries[:3]
	}
	return queries
}

// contentRichHosts are preferred reference sources.
var contentRichHosts = []string{
	"github.com", "docs.", "readthedocs", "developer.", "pypi.org",
	"stackoverflow.com", "go.dev", "pkg.go.dev",
}

func pickContentRich(results []search.Result, limit int) []search.Result {
	var picks []search.Result
	for _, r := range results {
		if len(picks) >= limit {
			return picks
		}
		for _, host := range contentRichHosts {
			if strings.Contains(r.URL, host) {
				picks = append(picks, r)
				break
			}
		}
	}
	for _, r := range results {
		if len(picks) >= limit {
			break
		}
		if !containsResult(picks, r.URL) {
			picks = append(picks, r)
		}
	}
	return picks
}

func containsResult(results []search.Result, url string) bool {
	for _, r := range results {
		if r.URL == url {
			return true
		}
	}
	return false
}

func (s *Synthesizer) gatherMemoryReferences(ctx context.Context, request string) string {
	res, err := s.memory.Recall(ctx, request, memory.SkillBank)
	if err != nil {
		s.logger.Debug("skill bank recall failed", "error", err)
		return ""
	}
	return res.Context
}

const draftSystemPrompt = `You write Python tool bundles for a personal assistant runtime.

Rules for the code:
- Decorate every exported function with @tool from the jedisos_skills module.
- Allowed imports only: httpx, json, re, datetime, pathlib, typing, pydantic, os, math, collections, itertools, functools, hashlib, base64, urllib.parse, html, textwrap, dataclasses, jedisos_skills, jedisos_context.
- Never use subprocess, eval, exec, sockets or ctypes.
- Prefer "async def" and annotate every return type.
- The code must be one self-contained file.

Respond with one JSON object, no prose:
{"tool_name": "snake_case_name", "description": "...", "tags": ["..."], "env_required": ["..."], "code": "full tool.py source"}`

func (s *Synthesizer) draft(ctx context.Context, request, webRefs, memRefs, failure string) (*draftSpec, string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Build a tool for this request:\n%s\n", request)
	if memRefs != "" {
		fmt.Fprintf(&sb, "\nKnown skill history (do not recreate deleted skills):\n%s\n", memRefs)
	}
	if webRefs != "" {
		fmt.Fprintf(&sb, "\nReference material:\n%s\n", webRefs)
	}
	if failure != "" {
		fmt.Fprintf(&sb, "\nThe previous attempt failed. Fix this and try again:\n%s\n", failure)
	}

	resp, err := s.llm.Complete(ctx, llm.Request{
		Role:     llm.RoleCode,
		System:   draftSystemPrompt,
		Messages: []models.Message{{Role: models.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		return nil, fmt.Sprintf("draft failed: %v", err)
	}

	var spec draftSpec
	if err := salvageJSON(resp.Text, &spec); err != nil {
		return nil, fmt.Sprintf("draft returned invalid JSON: %v", err)
	}
	if strings.TrimSpace(spec.Code) == "" {
		return nil, "draft returned empty code"
	}
	return &spec, ""
}

// probe executes model-proposed test cases against the first exported
// function. An empty return means every case passed.
func (s *Synthesizer) probe(ctx context.Context, res *LoadResult) string {
	primary := res.Descriptors[0]
	cases := s.probeCases(ctx, primary)

	for i, tc := range cases {
		result, err := primary.Invoke(ctx, tc.Kwargs)
		switch {
		case err != nil:
			if !tc.ExpectError {
				return fmt.Sprintf("probe %d (%s) raised: %v", i+1, tc.Description, err)
			}
		case resultReportsFailure(result):
			// A graceful ok=false mapping counts as handled.
		default:
			if tc.ExpectError {
				return fmt.Sprintf("probe %d (%s) expected an error but the call succeeded", i+1, tc.Description)
			}
		}
	}
	return ""
}

// resultReportsFailure detects the {"ok": false, ...} graceful-error
// convention.
func resultReportsFailure(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	v, present := m["ok"]
	if !present {
		return false
	}
	b, isBool := v.(bool)
	return isBool && !b
}

func (s *Synthesizer) probeCases(ctx context.Context, d tools.Descriptor) []probeCase {
	schemaJSON, _ := json.Marshal(d.Parameters)
	prompt := fmt.Sprintf(
		"Tool %q takes parameters with this JSON schema:\n%s\n\nEmit 2-3 test cases as a JSON array of {\"description\": string, \"kwargs\": object, \"expect_error\": bool}. Use realistic values. Respond with the JSON array only.",
		d.Name, schemaJSON)

	resp, err := s.llm.Complete(ctx, llm.Request{
		Role:     llm.RoleCode,
		Messages: []models.Message{{Role: models.RoleUser, Content: prompt}},
	})
	if err == nil {
		var cases []probeCase
		if err := salvageJSON(resp.Text, &cases); err == nil && len(cases) > 0 {
			if len(cases) > 3 {
				cases = cases[:3]
			}
			return cases
		}
	}
	return []probeCase{syntheticCase(d)}
}

// syntheticCase builds one call from schema defaults when the model
// cannot supply test cases.
func syntheticCase(d tools.Descriptor) probeCase {
	kwargs := make(map[string]any, len(d.Parameters.Properties))
	for name, prop := range d.Parameters.Properties {
		if prop.Default != nil {
			kwargs[name] = prop.Default
			continue
		}
		switch prop.Type {
		case "integer":
			kwargs[name] = 1
		case "number":
			kwargs[name] = 1.0
		case "boolean":
			kwargs[name] = true
		default:
			kwargs[name] = "test"
		}
	}
	return probeCase{Description: "synthetic defaults", Kwargs: kwargs}
}

// salvageJSON decodes model output that may carry fences or minor
// syntax damage.
func salvageJSON(raw string, v any) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("unparseable JSON: %w", err)
	}
	return json.Unmarshal([]byte(repaired), v)
}
