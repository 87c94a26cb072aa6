package haigate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hai-labs/haigate/internal/knowledge"
)

// readDocumentFile decodes a JSON array of documents. Every document needs
// a source and some text.
func readDocumentFile(path string) ([]knowledge.Document, error) {
	body, err := os.ReadFile(path) //nolint:gosec // operator-supplied ingest path
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	var docs []knowledge.Document
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("ingest: decode %s: %w", path, err)
	}
	for i, d := range docs {
		if d.Source == "" {
			return nil, fmt.Errorf("ingest: document %d has no source", i)
		}
		if d.Text == "" {
			return nil, fmt.Errorf("ingest: document %q has no text", d.Source)
		}
	}
	return docs, nil
}
