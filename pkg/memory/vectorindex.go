package memory

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/homieagent/homie/pkg/logger"
)

// Embedder turns text into an embedding vector; backed in production by
// an OpenAI or OpenAI-compatible embeddings endpoint, resolved the same
// way the turn engine resolves its completion backend.
type Embedder = chromem.EmbeddingFunc

// VectorIndex wraps chromem-go with two in-memory collections (facts and
// episodes) backing the vector half of hybrid search. Unlike a
// conversation/knowledge split scoped by specialist, these collections
// mirror the SQL Fact/Episode tables one-for-one by id, so a vector hit
// can be joined straight back to its row.
type VectorIndex struct {
	db       *chromem.DB
	facts    *chromem.Collection
	episodes *chromem.Collection
}

// NewVectorIndex creates an in-process (non-persistent) vector index;
// the embeddings themselves are cheap to recompute from the SQL rows
// that remain the source of truth, so durability is not required here.
func NewVectorIndex(embedder Embedder) (*VectorIndex, error) {
	db := chromem.NewDB()

	facts, err := db.GetOrCreateCollection("facts", nil, embedder)
	if err != nil {
		return nil, fmt.Errorf("creating facts collection: %w", err)
	}
	episodes, err := db.GetOrCreateCollection("episodes", nil, embedder)
	if err != nil {
		return nil, fmt.Errorf("creating episodes collection: %w", err)
	}

	return &VectorIndex{db: db, facts: facts, episodes: episodes}, nil
}

// IndexFact upserts a fact's embedding, keyed by the same "fact:<id>" id
// used to join back to the SQL row.
func (v *VectorIndex) IndexFact(docID, content string) {
	if err := v.facts.AddDocument(context.Background(), chromem.Document{ID: docID, Content: content}); err != nil {
		logger.WarnCF(component, "failed to index fact embedding", map[string]interface{}{"docId": docID, "error": err.Error()})
	}
}

// DeleteFact removes a fact's embedding.
func (v *VectorIndex) DeleteFact(docID string) {
	if err := v.facts.Delete(context.Background(), nil, nil, docID); err != nil {
		logger.WarnCF(component, "failed to delete fact embedding", map[string]interface{}{"docId": docID, "error": err.Error()})
	}
}

// IndexEpisode upserts an episode's embedding.
func (v *VectorIndex) IndexEpisode(docID, content string) {
	if err := v.episodes.AddDocument(context.Background(), chromem.Document{ID: docID, Content: content}); err != nil {
		logger.WarnCF(component, "failed to index episode embedding", map[string]interface{}{"docId": docID, "error": err.Error()})
	}
}

// vectorHit is a ranked vector-search result, ids shared with the SQL
// tables ("fact:<id>" / "episode:<id>").
type vectorHit struct {
	DocID      string
	Similarity float32
}

func (v *VectorIndex) searchFacts(query string, limit int) ([]vectorHit, error) {
	return search(v.facts, query, limit)
}

func (v *VectorIndex) searchEpisodes(query string, limit int) ([]vectorHit, error) {
	return search(v.episodes, query, limit)
}

func search(c *chromem.Collection, query string, limit int) ([]vectorHit, error) {
	if c.Count() == 0 {
		return nil, nil
	}
	if limit > c.Count() {
		limit = c.Count()
	}
	results, err := c.Query(context.Background(), query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	out := make([]vectorHit, 0, len(results))
	for _, r := range results {
		out = append(out, vectorHit{DocID: r.ID, Similarity: r.Similarity})
	}
	return out, nil
}
