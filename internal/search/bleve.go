package search

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// maxConversationEntries bounds one delete-by-conversation lookup.
const maxConversationEntries = 10000

// BleveIndex implements EntryIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func entryMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	// Standard analyzer (lowercase + tokenize, no stemming) so a query matches the exact word.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt("response", text)

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name
	for _, f := range []string{"user_key", "document_key", "conversation_key", "entity"} {
		doc.AddFieldMappingsAt(f, kw)
	}
	doc.AddFieldMappingsAt("position", bleve.NewNumericFieldMapping())

	im.AddDocumentMapping("entry", doc)
	im.DefaultType = "entry"
	im.DefaultMapping = doc
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path builds an in-memory index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(entryMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	index, err := bleve.New(path, entryMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func entryID(conversationKey string, position int) string {
	return fmt.Sprintf("%s/%d", conversationKey, position)
}

// IndexEntry indexes one entry. Re-indexing the same position replaces it.
func (b *BleveIndex) IndexEntry(ctx context.Context, entry *IndexedEntry) error {
	return b.index.Index(entryID(entry.ConversationKey, entry.Position), entry)
}

func termQuery(field, value string) blevequery.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// Search matches the response text of the user's entries, optionally within one document.
func (b *BleveIndex) Search(ctx context.Context, q *models.EntryQuery) ([]*models.EntryHit, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	match := bleve.NewMatchQuery(q.Query)
	match.SetField("response")
	parts := []blevequery.Query{match, termQuery("user_key", q.UserKey)}
	if q.DocumentKey != "" {
		parts = append(parts, termQuery("document_key", q.DocumentKey))
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(parts...))
	req.Size = q.Limit
	req.Fields = []string{"*"}
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*models.EntryHit, 0, len(results.Hits))
	for _, hit := range results.Hits {
		out = append(out, &models.EntryHit{
			ConversationKey: stringField(hit.Fields, "conversation_key"),
			DocumentKey:     stringField(hit.Fields, "document_key"),
			Position:        intField(hit.Fields, "position"),
			Entity:          stringField(hit.Fields, "entity"),
			Response:        stringField(hit.Fields, "response"),
			Score:           hit.Score,
		})
	}
	return out, nil
}

func stringField(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}

func intField(fields map[string]interface{}, name string) int {
	f, _ := fields[name].(float64)
	return int(f)
}

// DeleteConversation removes every indexed entry of the conversation in one batch.
func (b *BleveIndex) DeleteConversation(ctx context.Context, conversationKey string) error {
	req := bleve.NewSearchRequest(termQuery("conversation_key", conversationKey))
	req.Size = maxConversationEntries
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return fmt.Errorf("Bleve lookup failed: %w", err)
	}
	if len(results.Hits) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, hit := range results.Hits {
		batch.Delete(hit.ID)
	}
	return b.index.Batch(batch)
}

// DocCount returns the number of indexed entries.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// Terms returns every indexed response term with the number of entries containing it.
func (b *BleveIndex) Terms() (map[string]int, error) {
	dict, err := b.index.FieldDict("response")
	if err != nil {
		return nil, fmt.Errorf("Bleve field dictionary failed: %w", err)
	}
	defer dict.Close()
	out := make(map[string]int)
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return out, nil
		}
		out[entry.Term] = int(entry.Count)
	}
}
