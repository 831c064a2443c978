package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/skills"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

type createSkillInput struct {
	Request string `json:"request" jsonschema:"description=Natural language description of the tool to build"`
}

func createSkillTool(synth Spawner) tools.Descriptor {
	return tools.Descriptor{
		Name:        "create_skill",
		Description: "Build a new reusable skill from a natural language request. Generation runs in the background and a notification announces the result.",
		Parameters:  schemaFor(&createSkillInput{}),
		Origin:      tools.OriginBuiltin,
		Tags:        []string{tools.TagSkillManagement},
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var in createSkillInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Request) == "" {
				return nil, errors.New("request must not be empty")
			}
			if !synth.Spawn(in.Request) {
				return map[string]any{"status": "already_generating"}, nil
			}
			return map[string]any{"status": "generating", "request": in.Request}, nil
		},
	}
}

type listSkillsInput struct{}

func listSkillsTool(catalog Catalog, logger *slog.Logger) tools.Descriptor {
	return tools.Descriptor{
		Name:        "list_skills",
		Description: "List every installed skill bundle with its version and enabled state.",
		Parameters:  schemaFor(&listSkillsInput{}),
		Origin:      tools.OriginBuiltin,
		Tags:        []string{tools.TagSkillManagement},
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			bundles, errs := skills.ScanRoot(catalog.Root())
			for _, err := range errs {
				logger.Warn("skill scan issue", "error", err)
			}
			out := make([]map[string]any, 0, len(bundles))
			for _, b := range bundles {
				names := make([]string, 0, len(b.Manifest.Tools))
				for _, t := range b.Manifest.Tools {
					names = append(names, t.Name)
				}
				out = append(out, map[string]any{
					"name":           b.Name(),
					"version":        b.Manifest.Version,
					"description":    b.Manifest.Description,
					"enabled":        !b.Disabled,
					"auto_generated": b.Manifest.AutoGenerated,
					"tools":          names,
				})
			}
			return map[string]any{"skills": out, "count": len(out)}, nil
		},
	}
}

type toggleSkillInput struct {
	Name    string `json:"name" jsonschema:"description=Skill bundle name"`
	Enabled bool   `json:"enabled" jsonschema:"description=True to enable the bundle and false to disable it"`
}

func toggleSkillTool(catalog Catalog) tools.Descriptor {
	return tools.Descriptor{
		Name:        "toggle_skill",
		Description: "Enable or disable an installed skill bundle.",
		Parameters:  schemaFor(&toggleSkillInput{}),
		Origin:      tools.OriginBuiltin,
		Tags:        []string{tools.TagSkillManagement},
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var in toggleSkillInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			bundle, err := findBundle(catalog.Root(), in.Name)
			if err != nil {
				return nil, err
			}
			if err := bundle.SetDisabled(!in.Enabled); err != nil {
				return nil, fmt.Errorf("toggle %s: %w", in.Name, err)
			}
			catalog.Resync(ctx)
			status := "enabled"
			if !in.Enabled {
				status = "disabled"
			}
			return map[string]any{"status": status, "skill": in.Name}, nil
		},
	}
}

type deleteSkillInput struct {
	Name string `json:"name" jsonschema:"description=Skill bundle name to delete"`
}

func deleteSkillTool(catalog Catalog, mem Memory, logger *slog.Logger) tools.Descriptor {
	return tools.Descriptor{
		Name:        "delete_skill",
		Description: "Permanently delete a skill bundle. The deletion is remembered so the skill is not rebuilt unasked.",
		Parameters:  schemaFor(&deleteSkillInput{}),
		Origin:      tools.OriginBuiltin,
		Tags:        []string{tools.TagSkillManagement},
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var in deleteSkillInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			bundle, err := findBundle(catalog.Root(), in.Name)
			if err != nil {
				return nil, err
			}

			catalog.Deactivate(bundle.Dir)
			if err := os.RemoveAll(bundle.Dir); err != nil {
				return nil, fmt.Errorf("delete %s: %w", in.Name, err)
			}

			note := fmt.Sprintf("Skill deleted: %s. Do not recreate unless explicitly asked.", in.Name)
			if _, err := mem.Retain(ctx, note, string(models.RoleSystem), memory.SkillBank); err != nil {
				logger.Warn("retirement note not retained", "skill", in.Name, "error", err)
			}
			return map[string]any{"status": "deleted", "skill": in.Name}, nil
		},
	}
}

// findBundle locates an installed bundle by exact name.
func findBundle(root, name string) (*skills.Bundle, error) {
	bundles, _ := skills.ScanRoot(root)
	for _, b := range bundles {
		if b.Name() == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("skill %q not found", name)
}
