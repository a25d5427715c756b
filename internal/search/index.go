package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

const snippetLength = 300

// Document is an entry in the local knowledge base.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// Index is an in-memory BM25 index over a local knowledge base.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("url", keywordFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name

	return indexMapping
}

// Add indexes a document, replacing any document with the same ID.
func (x *Index) Add(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("failed to index %s: %w", doc.ID, err)
	}
	return nil
}

// LoadDir indexes every markdown and text file under dir. The first "# "
// heading becomes the title; the file path becomes the URL.
func (x *Index) LoadDir(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		doc := Document{
			ID:      filepath.ToSlash(rel),
			Title:   titleOf(string(data), rel),
			Content: string(data),
			URL:     "file://" + filepath.ToSlash(path),
		}
		if err := x.Add(doc); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, nil
}

func titleOf(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return strings.TrimSuffix(filepath.Base(fallback), filepath.Ext(fallback))
}

// Count returns the number of indexed documents.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Search runs a match query over titles and content.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 5
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = limit
	req.Fields = []string{"title", "content", "url"}

	x.mu.RLock()
	res, err := x.index.SearchInContext(ctx, req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		title, _ := hit.Fields["title"].(string)
		content, _ := hit.Fields["content"].(string)
		url, _ := hit.Fields["url"].(string)
		if title == "" {
			title = hit.ID
		}
		results = append(results, Result{
			Title:   title,
			Snippet: snippet(content),
			URL:     url,
			// Normalize BM25 to 0..1
			Score: 1 - 1/(1+hit.Score),
		})
	}
	return results, nil
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}

func snippet(content string) string {
	text := strings.Join(strings.Fields(content), " ")
	if len(text) <= snippetLength {
		return text
	}
	cut := strings.LastIndex(text[:snippetLength], " ")
	if cut <= 0 {
		cut = snippetLength
	}
	return text[:cut] + "..."
}
