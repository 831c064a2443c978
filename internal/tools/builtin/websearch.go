package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedikim/jedisos-sub000/internal/tools"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
)

type webSearchInput struct {
	Query      string `json:"query" jsonschema:"description=Search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Number of results between 1 and 10; defaults to 5"`
}

func webSearchTool(searcher Searcher) tools.Descriptor {
	return tools.Descriptor{
		Name:        "web_search",
		Description: "Search the web and return titles with links and snippets.",
		Parameters:  schemaFor(&webSearchInput{}),
		Origin:      tools.OriginBuiltin,
		Enabled:     true,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var in webSearchInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Query) == "" {
				return nil, errors.New("query must not be empty")
			}

			limit := in.MaxResults
			if limit <= 0 {
				limit = defaultSearchResults
			}
			if limit > maxSearchResults {
				limit = maxSearchResults
			}

			results, err := searcher.Search(ctx, in.Query, limit)
			if err != nil {
				return nil, fmt.Errorf("search: %w", err)
			}

			items := make([]map[string]string, 0, len(results))
			for _, r := range results {
				items = append(items, map[string]string{
					"title":   r.Title,
					"url":     r.URL,
					"snippet": r.Snippet,
				})
			}
			return map[string]any{"results": items, "count": len(items)}, nil
		},
	}
}
