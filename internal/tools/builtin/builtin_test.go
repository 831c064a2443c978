package builtin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/search"
	"github.com/jedikim/jedisos-sub000/internal/skills"
	"github.com/jedikim/jedisos-sub000/internal/tools"
)

type fakeSpawner struct {
	mu      sync.Mutex
	reject  bool
	spawned []string
}

func (f *fakeSpawner) Spawn(request string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.spawned = append(f.spawned, request)
	return true
}

type fakeCatalog struct {
	mu          sync.Mutex
	root        string
	deactivated []string
	resyncs     int
}

func (f *fakeCatalog) Root() string { return f.root }

func (f *fakeCatalog) Deactivate(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, dir)
}

func (f *fakeCatalog) Resync(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs++
}

type fakeSearcher struct {
	results []search.Result
	err     error
	queries []string
	limits  []int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	f.queries = append(f.queries, query)
	f.limits = append(f.limits, limit)
	return f.results, f.err
}

type retained struct {
	content string
	role    string
	bank    string
}

type fakeMemory struct {
	mu      sync.Mutex
	err     error
	records []retained
}

func (f *fakeMemory) Retain(ctx context.Context, content, role, bankID string) (*memory.RetainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, retained{content: content, role: role, bank: bankID})
	return &memory.RetainResult{Status: "retained", BankID: bankID, ContentLength: len(content)}, nil
}

type fixture struct {
	registry *tools.Registry
	spawner  *fakeSpawner
	catalog  *fakeCatalog
	searcher *fakeSearcher
	memory   *fakeMemory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: tools.NewRegistry(nil),
		spawner:  &fakeSpawner{},
		catalog:  &fakeCatalog{root: t.TempDir()},
		searcher: &fakeSearcher{},
		memory:   &fakeMemory{},
	}
	err := Register(Deps{
		Registry:    f.registry,
		Synthesizer: f.spawner,
		Catalog:     f.catalog,
		Search:      f.searcher,
		Memory:      f.memory,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return f
}

func (f *fixture) invoke(t *testing.T, name string, args map[string]any) (any, error) {
	t.Helper()
	d, ok := f.registry.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return d.Invoke(context.Background(), args)
}

func (f *fixture) writeBundle(t *testing.T, name string, disabled bool) string {
	t.Helper()
	dir := filepath.Join(f.catalog.root, name)
	manifest := skills.Manifest{
		Name:        name,
		Version:     "0.1.0",
		Description: "test bundle " + name,
		Tools:       []skills.ManifestTool{{Name: name, Description: "does " + name}},
	}
	source := "from jedisos_skills import tool\n\n@tool\nasync def " + name + "() -> dict:\n    return {'ok': True}\n"
	if err := skills.WriteBundle(dir, manifest, source); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if disabled {
		bundle, err := skills.ReadBundle(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := bundle.SetDisabled(true); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRegisterCatalog(t *testing.T) {
	f := newFixture(t)
	if got := f.registry.Len(); got != 6 {
		t.Fatalf("registered %d tools, want 6", got)
	}

	managed := []string{"create_skill", "list_skills", "toggle_skill", "delete_skill"}
	for _, name := range managed {
		d, ok := f.registry.Get(name)
		if !ok {
			t.Fatalf("%s missing", name)
		}
		if !d.HasTag(tools.TagSkillManagement) {
			t.Fatalf("%s not tagged as skill management", name)
		}
	}
	for _, name := range []string{"web_search", "remember"} {
		d, _ := f.registry.Get(name)
		if d.HasTag(tools.TagSkillManagement) {
			t.Fatalf("%s must stay available in chat turns", name)
		}
	}
}

func TestSchemaDerivation(t *testing.T) {
	f := newFixture(t)
	d, _ := f.registry.Get("create_skill")
	if d.Parameters.Type != "object" {
		t.Fatalf("schema type = %q", d.Parameters.Type)
	}
	prop, ok := d.Parameters.Properties["request"]
	if !ok {
		t.Fatalf("request property missing: %+v", d.Parameters.Properties)
	}
	if prop.Type != "string" {
		t.Fatalf("request type = %q", prop.Type)
	}
	if prop.Description == "" {
		t.Fatal("request description empty")
	}
	found := false
	for _, r := range d.Parameters.Required {
		if r == "request" {
			found = true
		}
	}
	if !found {
		t.Fatalf("request not required: %v", d.Parameters.Required)
	}

	ws, _ := f.registry.Get("web_search")
	if got := ws.Parameters.Properties["max_results"].Type; got != "integer" {
		t.Fatalf("max_results type = %q", got)
	}
	for _, r := range ws.Parameters.Required {
		if r == "max_results" {
			t.Fatal("optional field marked required")
		}
	}
}

func TestCreateSkill(t *testing.T) {
	f := newFixture(t)

	res, err := f.invoke(t, "create_skill", map[string]any{"request": "weather lookup tool"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.(map[string]any)["status"] != "generating" {
		t.Fatalf("result = %+v", res)
	}
	if len(f.spawner.spawned) != 1 || f.spawner.spawned[0] != "weather lookup tool" {
		t.Fatalf("spawned = %v", f.spawner.spawned)
	}

	f.spawner.reject = true
	res, err = f.invoke(t, "create_skill", map[string]any{"request": "another"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.(map[string]any)["status"] != "already_generating" {
		t.Fatalf("result = %+v", res)
	}

	if _, err := f.invoke(t, "create_skill", map[string]any{"request": "  "}); err == nil {
		t.Fatal("empty request accepted")
	}
}

func TestListSkills(t *testing.T) {
	f := newFixture(t)
	f.writeBundle(t, "alpha", false)
	f.writeBundle(t, "beta", true)

	res, err := f.invoke(t, "list_skills", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	out := res.(map[string]any)
	if out["count"] != 2 {
		t.Fatalf("count = %v", out["count"])
	}
	byName := map[string]map[string]any{}
	for _, item := range out["skills"].([]map[string]any) {
		byName[item["name"].(string)] = item
	}
	if byName["alpha"]["enabled"] != true {
		t.Fatalf("alpha = %+v", byName["alpha"])
	}
	if byName["beta"]["enabled"] != false {
		t.Fatalf("beta = %+v", byName["beta"])
	}
	if tools := byName["alpha"]["tools"].([]string); len(tools) != 1 || tools[0] != "alpha" {
		t.Fatalf("alpha tools = %v", tools)
	}
}

func TestToggleSkill(t *testing.T) {
	f := newFixture(t)
	dir := f.writeBundle(t, "alpha", false)
	sentinel := filepath.Join(dir, ".disabled")

	res, err := f.invoke(t, "toggle_skill", map[string]any{"name": "alpha", "enabled": false})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if res.(map[string]any)["status"] != "disabled" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(sentinel); err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
	if f.catalog.resyncs != 1 {
		t.Fatalf("resyncs = %d", f.catalog.resyncs)
	}

	res, err = f.invoke(t, "toggle_skill", map[string]any{"name": "alpha", "enabled": true})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if res.(map[string]any)["status"] != "enabled" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Fatal("sentinel still present")
	}

	if _, err := f.invoke(t, "toggle_skill", map[string]any{"name": "ghost", "enabled": true}); err == nil {
		t.Fatal("unknown skill accepted")
	}
}

func TestDeleteSkill(t *testing.T) {
	f := newFixture(t)
	dir := f.writeBundle(t, "echo", false)

	res, err := f.invoke(t, "delete_skill", map[string]any{"name": "echo"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.(map[string]any)["status"] != "deleted" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("bundle dir still present")
	}
	if len(f.catalog.deactivated) != 1 || f.catalog.deactivated[0] != dir {
		t.Fatalf("deactivated = %v", f.catalog.deactivated)
	}

	if len(f.memory.records) != 1 {
		t.Fatalf("records = %d", len(f.memory.records))
	}
	note := f.memory.records[0]
	if note.content != "Skill deleted: echo. Do not recreate unless explicitly asked." {
		t.Fatalf("note = %q", note.content)
	}
	if note.bank != memory.SkillBank || note.role != "system" {
		t.Fatalf("note routing = %+v", note)
	}

	if _, err := f.invoke(t, "delete_skill", map[string]any{"name": "echo"}); err == nil {
		t.Fatal("second delete accepted")
	}
}

func TestDeleteSkillRetainFailureStillDeletes(t *testing.T) {
	f := newFixture(t)
	dir := f.writeBundle(t, "echo", false)
	f.memory.err = errors.New("engine down")

	if _, err := f.invoke(t, "delete_skill", map[string]any{"name": "echo"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("bundle dir still present")
	}
}

func TestWebSearch(t *testing.T) {
	f := newFixture(t)
	f.searcher.results = []search.Result{
		{Title: "Go", URL: "https://go.dev", Snippet: "the language"},
		{Title: "Docs", URL: "https://go.dev/doc", Snippet: "the docs"},
	}

	res, err := f.invoke(t, "web_search", map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	out := res.(map[string]any)
	if out["count"] != 2 {
		t.Fatalf("count = %v", out["count"])
	}
	items := out["results"].([]map[string]string)
	if items[0]["title"] != "Go" || items[0]["url"] != "https://go.dev" {
		t.Fatalf("items = %+v", items)
	}
	if f.searcher.limits[0] != defaultSearchResults {
		t.Fatalf("default limit = %d", f.searcher.limits[0])
	}

	if _, err := f.invoke(t, "web_search", map[string]any{"query": "x", "max_results": 50}); err != nil {
		t.Fatal(err)
	}
	if f.searcher.limits[1] != maxSearchResults {
		t.Fatalf("clamped limit = %d", f.searcher.limits[1])
	}

	if _, err := f.invoke(t, "web_search", map[string]any{"query": " "}); err == nil {
		t.Fatal("empty query accepted")
	}

	f.searcher.err = errors.New("network down")
	if _, err := f.invoke(t, "web_search", map[string]any{"query": "x"}); err == nil {
		t.Fatal("search error swallowed")
	}
}

func TestRemember(t *testing.T) {
	f := newFixture(t)

	res, err := f.invoke(t, "remember", map[string]any{"content": "birthday is in march"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.(*memory.RetainResult).BankID != memory.DefaultBank {
		t.Fatalf("result = %+v", res)
	}
	if f.memory.records[0].bank != memory.DefaultBank || f.memory.records[0].role != "user" {
		t.Fatalf("record = %+v", f.memory.records[0])
	}

	if _, err := f.invoke(t, "remember", map[string]any{"content": "x", "bank": "jedisos-skills"}); err != nil {
		t.Fatal(err)
	}
	if f.memory.records[1].bank != "jedisos-skills" {
		t.Fatalf("bank = %q", f.memory.records[1].bank)
	}

	if _, err := f.invoke(t, "remember", map[string]any{"content": ""}); err == nil {
		t.Fatal("empty content accepted")
	}
}
