package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/graph"
	"github.com/engram-ai/engram/pkg/models"
)

const maxQueryLength = 1000

func decodeArgs(args json.RawMessage, into interface{}) error {
	if err := json.Unmarshal(args, into); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "arguments: must be a JSON object"}
	}
	return nil
}

type storeArgs struct {
	Content     json.RawMessage        `json:"content"`
	Type        string                 `json:"type"`
	Tags        []string               `json:"tags"`
	Source      string                 `json:"source"`
	Confidence  *float64               `json:"confidence"`
	Importance  *float64               `json:"importance"`
	UserContext string                 `json:"user_context"`
	Metadata    map[string]interface{} `json:"metadata"`
	RelateTo    []string               `json:"relate_to"`
	ParentID    *string                `json:"parent_id"`
}

func (s *Service) validateStore(v *validator, a *storeArgs) engine.StoreInput {
	if len(a.Content) == 0 {
		v.addf("content", "is required")
	} else if !json.Valid(a.Content) {
		v.addf("content", "must be valid JSON")
	} else if len(a.Content) > s.limits.MaxContentSize {
		v.addf("content", "must be at most %d bytes", s.limits.MaxContentSize)
	}
	if a.Type == "" {
		v.addf("type", "is required")
	} else if !models.IsUserStorableType(models.MemoryType(a.Type)) {
		v.addf("type", "unknown memory type %q", a.Type)
	}
	if a.Source == "" {
		v.addf("source", "is required")
	}
	if a.Confidence == nil {
		v.addf("confidence", "is required")
	} else {
		v.inRange("confidence", *a.Confidence, 0, 1)
	}
	importance := 0.5
	if a.Importance != nil {
		v.inRange("importance", *a.Importance, 0, 1)
		importance = *a.Importance
	}
	v.checkUserContext(a.UserContext, s.limits.MaxUserContextLength)
	for i, id := range a.RelateTo {
		v.optionalUUID("relate_to["+itoa(i)+"]", id)
	}
	if a.ParentID != nil {
		v.optionalUUID("parent_id", *a.ParentID)
	}

	confidence := 0.0
	if a.Confidence != nil {
		confidence = *a.Confidence
	}
	return engine.StoreInput{
		Content:     models.JSONValue(a.Content),
		Type:        models.MemoryType(a.Type),
		Tags:        v.sanitizeTags("tags", a.Tags, s.limits.MaxTags, s.limits.MaxTagLength),
		Source:      sanitizeText(a.Source),
		Confidence:  confidence,
		Importance:  importance,
		UserContext: a.UserContext,
		Metadata:    a.Metadata,
		RelateTo:    a.RelateTo,
		ParentID:    a.ParentID,
	}
}

func (s *Service) memoryStore(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a storeArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	in := s.validateStore(v, &a)
	if err := v.err(); err != nil {
		return nil, err
	}
	result, err := s.engine.Store(ctx, in)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

type searchArgs struct {
	Query       string   `json:"query"`
	UserContext string   `json:"user_context"`
	Limit       int      `json:"limit"`
	Threshold   float64  `json:"threshold"`
	Type        string   `json:"type"`
	Tags        []string `json:"tags"`
}

func (s *Service) validateSearch(v *validator, a *searchArgs) engine.SearchInput {
	if a.Query == "" {
		v.addf("query", "is required")
	} else if len(a.Query) > maxQueryLength {
		v.addf("query", "must be at most %d characters", maxQueryLength)
	}
	if a.Limit < 0 || a.Limit > 100 {
		v.addf("limit", "must be between 1 and 100")
	}
	if a.Threshold < 0 || a.Threshold > 1 {
		v.addf("threshold", "must be between 0 and 1")
	}
	v.checkUserContext(a.UserContext, s.limits.MaxUserContextLength)

	in := engine.SearchInput{
		Query:       sanitizeText(a.Query),
		UserContext: a.UserContext,
		Limit:       a.Limit,
		Threshold:   a.Threshold,
		Tags:        v.sanitizeTags("tags", a.Tags, s.limits.MaxTags, s.limits.MaxTagLength),
	}
	if a.Type != "" {
		t := models.MemoryType(a.Type)
		in.Type = &t
	}
	return in
}

func (s *Service) memorySearch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	in := s.validateSearch(v, &a)
	if err := v.err(); err != nil {
		return nil, err
	}
	results, err := s.engine.Search(ctx, in)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"memories": results, "count": len(results)}, nil
}

type listArgs struct {
	UserContext string   `json:"user_context"`
	Limit       int      `json:"limit"`
	Offset      int      `json:"offset"`
	Type        string   `json:"type"`
	Tags        []string `json:"tags"`
}

func (s *Service) memoryList(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a listArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	if a.Limit < 0 || a.Limit > 100 {
		v.addf("limit", "must be between 1 and 100")
	}
	if a.Offset < 0 {
		v.addf("offset", "must not be negative")
	}
	v.checkUserContext(a.UserContext, s.limits.MaxUserContextLength)
	tags := v.sanitizeTags("tags", a.Tags, s.limits.MaxTags, s.limits.MaxTagLength)
	if err := v.err(); err != nil {
		return nil, err
	}

	var typ *models.MemoryType
	if a.Type != "" {
		t := models.MemoryType(a.Type)
		typ = &t
	}
	results, err := s.engine.List(ctx, a.UserContext, typ, tags, a.Limit, a.Offset)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"memories": results, "count": len(results)}, nil
}

type updateArgs struct {
	ID                 string                 `json:"id"`
	UserContext        string                 `json:"user_context"`
	Updates            map[string]interface{} `json:"updates"`
	PreserveTimestamps bool                   `json:"preserve_timestamps"`
}

var updatableFields = map[string]bool{
	"tags":             true,
	"confidence":       true,
	"importance_score": true,
	"type":             true,
	"source":           true,
}

func (s *Service) memoryUpdate(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a updateArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("id", a.ID)
	if len(a.Updates) == 0 {
		v.addf("updates", "at least one field is required")
	}
	for field := range a.Updates {
		if !updatableFields[field] {
			v.addf("updates."+field, "is not updatable")
		}
	}
	if raw, ok := a.Updates["tags"]; ok {
		tags, ok := toStringSlice(raw)
		if !ok {
			v.addf("updates.tags", "must be an array of strings")
		} else {
			a.Updates["tags"] = v.sanitizeTags("updates.tags", tags, s.limits.MaxTags, s.limits.MaxTagLength)
		}
	}
	if raw, ok := a.Updates["confidence"]; ok {
		if c, ok := raw.(float64); ok {
			v.inRange("updates.confidence", c, 0, 1)
		} else {
			v.addf("updates.confidence", "must be a number")
		}
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	m, err := s.engine.Update(ctx, a.UserContext, a.ID, a.Updates, a.PreserveTimestamps)
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

type deleteArgs struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
	UserContext string `json:"user_context"`
}

func (s *Service) memoryDelete(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a deleteArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	if a.ID == "" && a.ContentHash == "" {
		v.addf("id", "id or content_hash is required")
	}
	v.optionalUUID("id", a.ID)
	if err := v.err(); err != nil {
		return nil, err
	}

	var deleted bool
	var err error
	if a.ID != "" {
		deleted, err = s.engine.Delete(ctx, a.UserContext, a.ID)
	} else {
		deleted, err = s.engine.DeleteByHash(ctx, a.UserContext, a.ContentHash)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"deleted": deleted}, nil
}

type batchArgs struct {
	UserContext string      `json:"user_context"`
	Memories    []storeArgs `json:"memories"`
}

func (s *Service) memoryBatch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a batchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	if len(a.Memories) == 0 || len(a.Memories) > 100 {
		v.addf("memories", "must contain between 1 and 100 items")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	items := make([]engine.StoreInput, 0, len(a.Memories))
	for i, item := range a.Memories {
		iv := &validator{}
		in := s.validateStore(iv, &item)
		if err := iv.err(); err != nil {
			return nil, &Error{
				Code:    CodeInvalidParams,
				Message: "memories[" + itoa(i) + "]: " + err.(*Error).Message,
			}
		}
		if in.UserContext == "" {
			in.UserContext = a.UserContext
		}
		items = append(items, in)
	}

	results := s.engine.BatchStore(ctx, items)
	stored := 0
	for _, r := range results {
		if r.Error == "" {
			stored++
		}
	}
	return map[string]interface{}{
		"results": results,
		"stored":  stored,
		"failed":  len(results) - stored,
	}, nil
}

type batchDeleteArgs struct {
	IDs         []string `json:"ids"`
	UserContext string   `json:"user_context"`
}

func (s *Service) memoryBatchDelete(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a batchDeleteArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	if len(a.IDs) == 0 {
		v.addf("ids", "at least one id is required")
	}
	for i, id := range a.IDs {
		v.requireUUID("ids["+itoa(i)+"]", id)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	n, err := s.engine.BatchDelete(ctx, a.UserContext, a.IDs)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]int64{"deleted": n}, nil
}

type graphSearchArgs struct {
	searchArgs
	Depth int `json:"depth"`

	// Alias form: a start_memory_id turns this into a traversal.
	StartMemoryID string `json:"start_memory_id"`
}

func (s *Service) memoryGraphSearch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a graphSearchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.StartMemoryID != "" {
		return s.memoryTraverse(ctx, args)
	}

	v := &validator{}
	in := s.validateSearch(v, &a.searchArgs)
	if a.Depth < 0 || a.Depth > 3 {
		v.addf("depth", "must be between 1 and 3")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	matches, err := s.engine.GraphSearch(ctx, engine.GraphSearchInput{SearchInput: in, Depth: a.Depth})
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"matches": matches, "count": len(matches)}, nil
}

type consolidateArgs struct {
	UserContext    string   `json:"user_context"`
	Threshold      *float64 `json:"threshold"`
	MinClusterSize int      `json:"min_cluster_size"`
	MemoryIDs      []string `json:"memory_ids"`
}

func (s *Service) memoryConsolidate(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a consolidateArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	threshold := 0.8
	if a.Threshold != nil {
		v.inRange("threshold", *a.Threshold, 0.5, 0.95)
		threshold = *a.Threshold
	}
	minClusterSize := a.MinClusterSize
	if minClusterSize == 0 {
		minClusterSize = 3
	} else if minClusterSize < 2 {
		v.addf("min_cluster_size", "must be at least 2")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	result, err := s.engine.Consolidate(ctx, engine.ConsolidateInput{
		UserContext:    a.UserContext,
		Threshold:      threshold,
		MinClusterSize: minClusterSize,
		MemoryIDs:      a.MemoryIDs,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

type statsArgs struct {
	UserContext string `json:"user_context"`
}

func (s *Service) memoryStats(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a statsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.Resource(ctx, "stats", a.UserContext)
}

type relateArgs struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	RelationType  string   `json:"relation_type"`
	Strength      *float64 `json:"strength"`
	Bidirectional *bool    `json:"bidirectional"`
	UserContext   string   `json:"user_context"`
}

func (s *Service) memoryRelate(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a relateArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("from", a.From)
	v.requireUUID("to", a.To)
	if a.RelationType == "" {
		v.addf("relation_type", "is required")
	}
	strength := 0.5
	if a.Strength != nil {
		v.inRange("strength", *a.Strength, 0, 1)
		strength = *a.Strength
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	// One directed edge unless the caller opts into the reverse edge too.
	bidirectional := a.Bidirectional != nil && *a.Bidirectional
	relations, err := s.engine.CreateRelation(ctx, a.UserContext, a.From, a.To,
		models.NormalizeRelationType(a.RelationType), strength, bidirectional)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"relations": relations}, nil
}

type unrelateArgs struct {
	From        string `json:"from"`
	To          string `json:"to"`
	UserContext string `json:"user_context"`
}

func (s *Service) memoryUnrelate(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a unrelateArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("from", a.From)
	v.requireUUID("to", a.To)
	if err := v.err(); err != nil {
		return nil, err
	}

	deleted, err := s.engine.DeleteRelation(ctx, a.UserContext, a.From, a.To)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"deleted": deleted}, nil
}

type getRelationsArgs struct {
	MemoryID    string `json:"memory_id"`
	UserContext string `json:"user_context"`
}

func (s *Service) memoryGetRelations(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a getRelationsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("memory_id", a.MemoryID)
	if err := v.err(); err != nil {
		return nil, err
	}

	relations, err := s.engine.ListRelations(ctx, a.UserContext, a.MemoryID)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"relations": relations, "count": len(relations)}, nil
}

type traverseArgs struct {
	StartMemoryID      string   `json:"start_memory_id"`
	UserContext        string   `json:"user_context"`
	Strategy           string   `json:"strategy"`
	MaxDepth           int      `json:"max_depth"`
	MaxNodes           int      `json:"max_nodes"`
	RelationTypes      []string `json:"relation_types"`
	MemoryTypes        []string `json:"memory_types"`
	Tags               []string `json:"tags"`
	IncludeParentLinks bool     `json:"include_parent_links"`
	TimeoutMs          int      `json:"timeout_ms"`
}

func (s *Service) memoryTraverse(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a traverseArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("start_memory_id", a.StartMemoryID)
	if a.UserContext == "" {
		v.addf("user_context", "is required")
	}
	v.checkUserContext(a.UserContext, s.limits.MaxUserContextLength)
	if a.MaxDepth < 0 || a.MaxDepth > graph.MaxDepthLimit {
		v.addf("max_depth", "must be between 1 and %d", graph.MaxDepthLimit)
	}
	if a.MaxNodes < 0 || a.MaxNodes > graph.MaxNodesLimit {
		v.addf("max_nodes", "must be between 1 and %d", graph.MaxNodesLimit)
	}
	if a.TimeoutMs < 0 {
		v.addf("timeout_ms", "must be positive")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	memoryTypes := make([]models.MemoryType, 0, len(a.MemoryTypes))
	for _, t := range a.MemoryTypes {
		memoryTypes = append(memoryTypes, models.MemoryType(t))
	}
	result, err := s.graph.Traverse(ctx, a.UserContext, a.StartMemoryID, graph.Options{
		Strategy:           a.Strategy,
		MaxDepth:           a.MaxDepth,
		MaxNodes:           a.MaxNodes,
		RelationTypes:      a.RelationTypes,
		MemoryTypes:        memoryTypes,
		Tags:               a.Tags,
		IncludeParentLinks: a.IncludeParentLinks,
		Timeout:            time.Duration(a.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

type decayStatusArgs struct {
	MemoryID    string `json:"memory_id"`
	UserContext string `json:"user_context"`
}

func (s *Service) memoryDecayStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a decayStatusArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("memory_id", a.MemoryID)
	if err := v.err(); err != nil {
		return nil, err
	}

	status, err := s.lifecycle.DecayStatus(ctx, a.UserContext, a.MemoryID)
	if err != nil {
		return nil, mapError(err)
	}
	return status, nil
}

type preserveArgs struct {
	MemoryID    string `json:"memory_id"`
	UserContext string `json:"user_context"`
	Until       string `json:"until"`
}

func (s *Service) memoryPreserve(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a preserveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("memory_id", a.MemoryID)
	var until *time.Time
	if a.Until != "" {
		parsed, err := time.Parse(time.RFC3339, a.Until)
		if err != nil {
			v.addf("until", "must be an ISO-8601 timestamp")
		} else {
			until = &parsed
		}
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	m, err := s.lifecycle.PreserveMemory(ctx, a.UserContext, a.MemoryID, until)
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

type graphAnalysisArgs struct {
	MemoryID    string `json:"memory_id"`
	UserContext string `json:"user_context"`
}

func (s *Service) memoryGraphAnalysis(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a graphAnalysisArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	v := &validator{}
	v.requireUUID("memory_id", a.MemoryID)
	if a.UserContext == "" {
		v.addf("user_context", "is required")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	analysis, err := s.graph.Analyze(ctx, a.UserContext, 10)
	if err != nil {
		return nil, mapError(err)
	}
	degree, err := s.graph.Degree(ctx, a.UserContext, a.MemoryID)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"analysis": analysis, "degree": degree}, nil
}

func toStringSlice(raw interface{}) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
