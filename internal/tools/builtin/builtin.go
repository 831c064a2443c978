// Package builtin holds the compiled-in tools every deployment ships
// with: skill lifecycle management, advisory web search, and explicit
// memory capture. Parameter schemas are derived from the argument
// structs, so the function-calling contract can't drift from the code.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"

	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/search"
	"github.com/jedikim/jedisos-sub000/internal/tools"
)

// Spawner starts background skill synthesis.
type Spawner interface {
	Spawn(request string) bool
}

// Catalog is the loader surface skill management talks to.
type Catalog interface {
	Root() string
	Deactivate(dir string)
	Resync(ctx context.Context)
}

// Searcher runs advisory web lookups.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// Memory persists explicit facts and skill retirement notes.
type Memory interface {
	Retain(ctx context.Context, content, role, bankID string) (*memory.RetainResult, error)
}

// Deps carries the collaborators behind the built-in tools.
type Deps struct {
	Registry    *tools.Registry
	Synthesizer Spawner
	Catalog     Catalog
	Search      Searcher
	Memory      Memory
	Logger      *slog.Logger
}

// Register inserts every built-in tool into the registry.
func Register(deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "builtin_tools")

	for _, d := range []tools.Descriptor{
		createSkillTool(deps.Synthesizer),
		listSkillsTool(deps.Catalog, logger),
		toggleSkillTool(deps.Catalog),
		deleteSkillTool(deps.Catalog, deps.Memory, logger),
		webSearchTool(deps.Search),
		rememberTool(deps.Memory),
	} {
		if err := deps.Registry.Insert(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	return nil
}

// schemaFor reflects an argument struct into a parameter schema.
func schemaFor(v any) tools.Schema {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return tools.Schema{Type: "object"}
	}
	var s tools.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return tools.Schema{Type: "object"}
	}
	return s
}

// decodeArgs maps loosely-typed call arguments onto a typed input.
func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return nil
}
