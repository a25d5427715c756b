// Package search provides the search backends used by the research agent.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("empty search query")

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}

// Searcher runs a query and returns at most limit results, best first.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Static returns canned results derived from the query. It stands in for a
// web search API in demos and tests.
type Static struct{}

// Search returns two deterministic results for any non-empty query.
func (Static) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	slug := strings.ReplaceAll(query, " ", "-")
	results := []Result{
		{
			Title:   fmt.Sprintf("Search Result for: %s", query),
			Snippet: fmt.Sprintf("This is a mock search result for '%s'. A live backend would return real content here.", query),
			URL:     fmt.Sprintf("https://example.com/search/%s", slug),
			Score:   0.95,
		},
		{
			Title:   fmt.Sprintf("Additional Information: %s", query),
			Snippet: fmt.Sprintf("Additional context and information related to '%s'.", query),
			URL:     fmt.Sprintf("https://example.com/info/%s", slug),
			Score:   0.87,
		},
	}
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// Func adapts a function to the Searcher interface.
type Func func(ctx context.Context, query string, limit int) ([]Result, error)

// Search calls f.
func (f Func) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return f(ctx, query, limit)
}
