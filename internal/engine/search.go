package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lazyhollow/doppel/internal/store"
)

// Result sources.
const (
	SourceFact     = "fact"
	SourceEpisodic = "episodic"
	SourceDocument = "document"
)

// RankedResult is a single hybrid-search hit. Exactly one of Fact,
// Episodic, Document is set, matching Source.
type RankedResult struct {
	Source        string  `json:"source"`
	Text          string  `json:"text"`
	CombinedScore float64 `json:"combined_score"`
	Semantic      float64 `json:"semantic"`
	Lexical       float64 `json:"lexical"`

	Fact     *store.Fact           `json:"fact,omitempty"`
	Episodic *store.EpisodicMemory `json:"episodic,omitempty"`
	Document *store.Document       `json:"document,omitempty"`

	recency int64 // tie-break, newest wins
}

// Hybrid score weights. Semantic similarity dominates; lexical overlap
// acts as a floor so exact-term queries are never drowned out.
const (
	weightSemantic = 0.6
	weightLexical  = 0.25
	weightSource   = 0.15
)

// Search runs hybrid retrieval over facts, episodic memories, and
// documents for one user. Results are status-agnostic: candidate facts
// and unconfirmed memories are returned too, and filtering by trust
// level is the caller's responsibility.
func Search(ctx context.Context, db *store.DB, embedder Embedder, userID, query string, limit int) ([]RankedResult, error) {
	if embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryTokens := tokenize(query)

	facts, err := db.ListCurrentFacts(userID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	memories, err := db.ListEpisodic(userID)
	if err != nil {
		return nil, fmt.Errorf("load episodic memories: %w", err)
	}
	docs, err := db.ListDocuments(userID)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	now := time.Now().UnixMilli()
	var results []RankedResult

	for i := range facts {
		f := &facts[i]
		text := f.Key + ": " + f.Value
		r := score(queryVec, queryTokens, text, f.Embedding, f.Confidence)
		r.Source = SourceFact
		r.Fact = f
		r.recency = f.UpdatedAt
		results = append(results, r)
	}

	for i := range memories {
		m := &memories[i]
		r := score(queryVec, queryTokens, m.Text, m.Embedding, m.MemoryStrength*m.Importance)
		r.Source = SourceEpisodic
		r.Episodic = m
		r.recency = m.CreatedAt
		if m.OccurredAt != nil {
			r.recency = *m.OccurredAt
		}
		results = append(results, r)
	}

	for i := range docs {
		d := &docs[i]
		ageDays := float64(now-d.CreatedAt) / (24 * 60 * 60 * 1000)
		if ageDays < 0 {
			ageDays = 0
		}
		r := score(queryVec, queryTokens, d.Text, d.Embedding, 1/(1+ageDays/30))
		r.Source = SourceDocument
		r.Document = d
		r.recency = d.CreatedAt
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].recency > results[j].recency
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// score blends cosine similarity, lexical coverage of the query terms,
// and a source-specific weight (confidence, strength*importance, or
// document freshness).
func score(queryVec []float64, queryTokens []string, text string, embedding []float64, sourceWeight float64) RankedResult {
	semantic := CosineSimilarity(queryVec, embedding)
	lexical := lexicalCoverage(queryTokens, tokenize(text))

	combined := weightSemantic*semantic + weightLexical*lexical + weightSource*sourceWeight
	if lexical > combined {
		combined = lexical
	}

	return RankedResult{
		Text:          text,
		CombinedScore: combined,
		Semantic:      semantic,
		Lexical:       lexical,
	}
}

// lexicalCoverage is the fraction of query tokens present in the text:
// 1.0 means every query term matched exactly.
func lexicalCoverage(queryTokens, textTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	set := make(map[string]bool, len(textTokens))
	for _, t := range textTokens {
		set[t] = true
	}
	matched := 0
	for _, t := range queryTokens {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
