package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

type rememberInput struct {
	Content string `json:"content" jsonschema:"description=The fact or information to remember"`
	Bank    string `json:"bank,omitempty" jsonschema:"description=Memory bank id; defaults to the main bank"`
}

func rememberTool(mem Memory) tools.Descriptor {
	return tools.Descriptor{
		Name:        "remember",
		Description: "Store a fact in long-term memory so later conversations can recall it.",
		Parameters:  schemaFor(&rememberInput{}),
		Origin:      tools.OriginBuiltin,
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var in rememberInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Content) == "" {
				return nil, errors.New("content must not be empty")
			}

			bank := in.Bank
			if bank == "" {
				bank = memory.DefaultBank
			}
			res, err := mem.Retain(ctx, in.Content, string(models.RoleUser), bank)
			if err != nil {
				return nil, fmt.Errorf("retain: %w", err)
			}
			return res, nil
		},
	}
}
