package extraction_service

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/chatforge/kbingest/pipeline_type"
)

// Aggregate merges per-chunk results into one logical document result.
// Results are re-ordered by chunk index before combining, so callers may
// hand them over in completion order. failedChunks records the indexes that
// produced no result; they are carried through untouched.
//
// Partial-failure policy: as long as at least one chunk succeeded the merge
// succeeds and the job completes; only the all-failed case is an error.
func Aggregate(results []*pipeline_type.ExtractionResult, failedChunks []int) (*pipeline_type.CombinedResult, error) {
	if len(results) == 0 {
		return nil, &AggregationError{Message: "all chunks failed"}
	}

	sorted := make([]*pipeline_type.ExtractionResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkIndex < sorted[j].ChunkIndex
	})

	failed := make([]int, len(failedChunks))
	copy(failed, failedChunks)
	sort.Ints(failed)

	if len(sorted) == 1 {
		r := sorted[0]
		return &pipeline_type.CombinedResult{
			Text:         r.Text,
			Title:        r.Title,
			Summary:      r.Summary,
			Entities:     r.Entities,
			Extra:        r.Extra,
			FailedChunks: failed,
		}, nil
	}

	combined := &pipeline_type.CombinedResult{
		// Scalar header fields come from the first successful chunk only.
		Title:        sorted[0].Title,
		Summary:      sorted[0].Summary,
		FailedChunks: failed,
	}

	var texts []string
	seen := make(map[string]struct{})
	for _, r := range sorted {
		if r.Text != "" {
			texts = append(texts, r.Text)
		}
		for _, entity := range r.Entities {
			key := entity.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			combined.Entities = append(combined.Entities, entity)
		}
		for key, value := range r.Extra {
			if combined.Extra == nil {
				combined.Extra = make(map[string]json.RawMessage)
			}
			if _, exists := combined.Extra[key]; !exists {
				combined.Extra[key] = value
			}
		}
	}
	combined.Text = strings.Join(texts, "\n\n")

	return combined, nil
}
