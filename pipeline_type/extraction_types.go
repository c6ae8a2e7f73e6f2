package pipeline_type

import "encoding/json"

// Entity is one structured item pulled out of a document by the extraction
// service. Entities are deduplicated across chunks on (Type, Name).
type Entity struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

func (e Entity) Key() string {
	return e.Type + "\x00" + e.Name
}

// ExtractionResult is the per-chunk payload returned by the extraction
// service. Known fields are modeled explicitly; anything the service adds
// later lands in Extra untouched.
type ExtractionResult struct {
	ChunkIndex int                        `json:"chunk_index"`
	Text       string                     `json:"text"`
	Title      string                     `json:"title,omitempty"`
	Summary    string                     `json:"summary,omitempty"`
	Entities   []Entity                   `json:"entities,omitempty"`
	Extra      map[string]json.RawMessage `json:"extra,omitempty"`
}

// CombinedResult is the merge of every successful chunk of one job.
type CombinedResult struct {
	Text         string                     `json:"text"`
	Title        string                     `json:"title,omitempty"`
	Summary      string                     `json:"summary,omitempty"`
	Entities     []Entity                   `json:"entities,omitempty"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
	FailedChunks []int                      `json:"failed_chunks,omitempty"`
}

// SimilarityMatch is one knowledge-query hit. Ephemeral, never persisted.
type SimilarityMatch struct {
	ContentRef string  `json:"content_ref"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}
