package queue

// EmbeddingPayload asks a worker to embed one memory's content.
type EmbeddingPayload struct {
	MemoryID    string `json:"memory_id"`
	UserContext string `json:"user_context"`
}

// BatchImportItem is one memory in a bulk import request.
type BatchImportItem struct {
	Content    interface{}            `json:"content"`
	Type       string                 `json:"type,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Importance float64                `json:"importance,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// BatchImportPayload carries a bulk import job.
type BatchImportPayload struct {
	UserContext string            `json:"user_context"`
	Items       []BatchImportItem `json:"items"`
}

// ConsolidationPayload triggers memory consolidation for a user context.
type ConsolidationPayload struct {
	UserContext string   `json:"user_context"`
	Strategy    string   `json:"strategy"` // merge, summarize, or cluster
	MemoryIDs   []string `json:"memory_ids,omitempty"`
	Threshold   float64  `json:"threshold,omitempty"`
	MinClusters int      `json:"min_cluster_size,omitempty"`
}

// ClusteringPayload triggers a clustering pass. Incremental runs only
// assign the named memories; full runs recluster the whole context.
type ClusteringPayload struct {
	UserContext string   `json:"user_context"`
	MemoryIDs   []string `json:"memory_ids,omitempty"`
	Full        bool     `json:"full,omitempty"`
}

// DecayPayload triggers a decay pass for a user context.
type DecayPayload struct {
	UserContext string `json:"user_context"`
	BatchSize   int    `json:"batch_size,omitempty"`
}
