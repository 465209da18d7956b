// Package resolver maps free text or a slug to an anchor id (spec §4.1).
//
// Short-circuits on the anchor regex; otherwise runs a lexical-then-vector
// cascade, following the same Searcher interface shape and Qdrant-backed
// vector search implementation used by internal/search.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/batvault/gateway/internal/bverr"
	"github.com/batvault/gateway/internal/memoryapi"
)

// anchorPattern matches "<domain>#<slug>" where domain is slash-scoped
// lower-kebab and slug starts alphanumeric and continues with
// [a-z0-9._:-]*, per spec §3.
var anchorPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*(?:/[a-z0-9-]+)*)#[a-z0-9][a-z0-9._:-]*$`)

// Match is one candidate produced by a cascade stage.
type Match struct {
	ID         string
	Confidence float64
	Source     string // "exact" | "lexical" | "vector"
}

// Result is the resolver's final decision plus the runner-up matches it considered.
type Result struct {
	AnchorID   string
	Confidence float64
	Matches    []Match
}

// VectorSearcher performs cosine similarity search over HNSW vectors.
// Implemented by internal/search.QdrantIndex-equivalent adapters; kept as
// an interface here so the resolver never depends on Qdrant wiring details.
type VectorSearcher interface {
	SearchText(ctx context.Context, text string, limit int) ([]Match, error)
}

// Resolver implements the spec §4.1 resolve cascade.
type Resolver struct {
	memory   *memoryapi.Client
	vector   VectorSearcher // nil when ENABLE_EMBEDDINGS=false
	lexLimit int
}

// New builds a Resolver. vector may be nil to disable the embedding cascade stage.
func New(memory *memoryapi.Client, vector VectorSearcher) *Resolver {
	return &Resolver{memory: memory, vector: vector, lexLimit: 20}
}

// Resolve maps text or a slug to an anchor id. When a VectorSearcher is
// configured it always runs alongside the lexical stage — not only when
// lexical returns nothing — so the two pools are merged before picking the
// best match; this is what makes a cross-modality tie (spec §9) possible at
// all. The resolver itself is stateless; callers compose any snapshot-scoped
// cache key around it.
func (r *Resolver) Resolve(ctx context.Context, input string) (*Result, error) {
	if anchorPattern.MatchString(input) {
		return &Result{AnchorID: input, Confidence: 1.0, Matches: []Match{{ID: input, Confidence: 1.0, Source: "exact"}}}, nil
	}

	lexical, err := r.memory.LexicalSearch(ctx, input, r.lexLimit)
	if err != nil {
		return nil, bverr.Wrap(bverr.CodeUpstreamError, "lexical search failed", err)
	}

	matches := make([]Match, 0, len(lexical))
	for _, m := range lexical {
		matches = append(matches, Match{ID: m.ID, Confidence: m.Score, Source: "lexical"})
	}

	if r.vector != nil {
		vectorMatches, err := r.vector.SearchText(ctx, input, r.lexLimit)
		if err != nil {
			return nil, bverr.Wrap(bverr.CodeUpstreamError, "vector search failed", err)
		}
		matches = append(matches, vectorMatches...)
	}

	if len(matches) == 0 {
		return nil, bverr.NotFound(fmt.Sprintf("resolver: no match for %q", input))
	}

	best := bestMatch(matches)
	return &Result{AnchorID: best.ID, Confidence: best.Confidence, Matches: matches}, nil
}

// bestMatch picks the highest-confidence match; ties are broken by lowest id
// (spec §4.1 determinism rule), and lexical matches win over vector matches
// on an exact confidence tie (spec §9 open question: BM25-first ordering).
func bestMatch(matches []Match) Match {
	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		if sorted[i].Source != sorted[j].Source {
			return sorted[i].Source == "lexical"
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}
