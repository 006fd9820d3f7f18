package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// rrfK is the reciprocal rank fusion constant: each document contributes
// 1/(rrfK + rank) per result list.
const rrfK = 60

// topicMapLimit caps the hint topic enumeration.
const topicMapLimit = 50

// RecallOptions parameterizes a recall query.
type RecallOptions struct {
	Namespace string
	Topic     string
	Limit     int
	// DecayLambda overrides the configured decay constant; nil keeps the
	// default, pointing at zero disables decay.
	DecayLambda *float64
}

// RecallHints guide the caller toward related knowledge.
type RecallHints struct {
	MatchedTopics []string       `json:"matchedTopics"`
	RelatedTopics []string       `json:"relatedTopics"`
	TopicMap      map[string]int `json:"topicMap"`
}

// RecallResult is the scored response to a recall query.
type RecallResult struct {
	Entries []*v1.MemoryEntry `json:"entries"`
	Hints   RecallHints       `json:"hints"`
}

// Recall runs the hybrid search: FTS and k-NN lists fused with
// reciprocal rank fusion, post-scored by time decay and access boost,
// then access-tracked. An empty query returns only hints.
func (m *Memory) Recall(ctx context.Context, query string, opts RecallOptions) (*RecallResult, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	query = strings.TrimSpace(query)
	if query == "" {
		hints, err := m.buildHints(ctx, namespace, nil, nil, opts.Topic)
		if err != nil {
			return nil, err
		}
		return &RecallResult{Entries: []*v1.MemoryEntry{}, Hints: *hints}, nil
	}

	ftsMatches, err := m.searchText(ctx, namespace, opts.Topic, query, limit*3)
	if err != nil {
		return nil, err
	}

	// Vector search failures degrade to FTS-only.
	var vecMatches []vectorMatch
	if m.vectorEnabled {
		vecMatches, err = m.searchVector(ctx, namespace, opts.Topic, query, limit*3)
		if err != nil {
			m.log.Warn("vector recall failed, degrading to text search", zap.Error(err))
			vecMatches = nil
		}
	}

	fused := fuseRRF(ftsMatches, vecMatches)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	normalizeScores(fused)

	entries, err := m.loadScored(ctx, fused)
	if err != nil {
		return nil, err
	}

	lambda := m.decayLambda
	if opts.DecayLambda != nil {
		lambda = *opts.DecayLambda
	}
	applyDecayAndBoost(entries, lambda)

	if err := m.trackAccess(ctx, entries); err != nil {
		m.log.Warn("failed to update memory access tracking", zap.Error(err))
	}

	hints, err := m.buildHints(ctx, namespace, entries, vecMatches, opts.Topic)
	if err != nil {
		return nil, err
	}
	return &RecallResult{Entries: entries, Hints: *hints}, nil
}

// scoredID pairs a memory id with a relevance score.
type scoredID struct {
	id    string
	score float64
}

// searchText runs the FTS5 query (or a LIKE fallback). The raw query is
// escaped by double-quoting each token and joining with OR; FTS rank is
// BM25 (negative, more negative is better) normalized to (0,1] via
// -rank/(-rank+1).
func (m *Memory) searchText(ctx context.Context, namespace, topic, query string, limit int) ([]scoredID, error) {
	if !m.ftsEnabled {
		return m.searchLike(ctx, namespace, topic, query, limit)
	}

	match := escapeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	var rows []struct {
		ID   string  `db:"id"`
		Rank float64 `db:"rank"`
	}
	err := m.pool.Reader().SelectContext(ctx, &rows, `
		SELECT f.id AS id, f.rank AS rank
		FROM memories_fts f
		JOIN memories mem ON mem.id = f.id
		WHERE memories_fts MATCH ?
		  AND f.namespace = ?
		  AND (? = '' OR mem.topic = ?)
		ORDER BY f.rank
		LIMIT ?`,
		match, namespace, topic, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search failed: %w", err)
	}

	out := make([]scoredID, len(rows))
	for i, row := range rows {
		out[i] = scoredID{id: row.ID, score: -row.Rank / (-row.Rank + 1)}
	}
	return out, nil
}

// searchLike is the degraded text search used when FTS5 is unavailable:
// entries matching more query tokens score higher.
func (m *Memory) searchLike(ctx context.Context, namespace, topic, query string, limit int) ([]scoredID, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	var rows []struct {
		ID      string `db:"id"`
		Content string `db:"content"`
	}
	err := m.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, content FROM memories
		WHERE namespace = ? AND (? = '' OR topic = ?)`,
		namespace, topic, topic)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}

	var out []scoredID
	for _, row := range rows {
		content := strings.ToLower(row.Content)
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(content, tok) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, scoredID{id: row.ID, score: float64(hits) / float64(len(tokens))})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// searchVector embeds the query and runs k-NN over the namespace
// partition, mapping cosine distance to similarity.
func (m *Memory) searchVector(ctx context.Context, namespace, topic, query string, k int) ([]vectorMatch, error) {
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}
	matches, err := m.knn(ctx, namespace, vectors[0], k, "")
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return matches, nil
	}

	// Topic filters apply post-scan: the vector table does not carry topics.
	ids := make([]string, len(matches))
	for i, match := range matches {
		ids[i] = match.id
	}
	allowed, err := m.topicFilter(ctx, ids, topic)
	if err != nil {
		return nil, err
	}
	filtered := matches[:0]
	for _, match := range matches {
		if allowed[match.id] {
			filtered = append(filtered, match)
		}
	}
	return filtered, nil
}

func (m *Memory) topicFilter(ctx context.Context, ids []string, topic string) (map[string]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM memories WHERE topic = ? AND id IN (?)`, topic, ids)
	if err != nil {
		return nil, err
	}
	var matched []string
	if err := m.pool.Reader().SelectContext(ctx, &matched, query, args...); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(matched))
	for _, id := range matched {
		allowed[id] = true
	}
	return allowed, nil
}

// fuseRRF combines the two ranked lists with reciprocal rank fusion:
// each list contributes 1/(k+rank) per document, contributions sum.
func fuseRRF(fts []scoredID, vec []vectorMatch) []scoredID {
	scores := make(map[string]float64)
	var order []string

	add := func(id string, rank int) {
		if _, seen := scores[id]; !seen {
			order = append(order, id)
		}
		scores[id] += 1.0 / float64(rrfK+rank+1)
	}
	for rank, item := range fts {
		add(item.id, rank)
	}
	for rank, item := range vec {
		add(item.id, rank)
	}

	out := make([]scoredID, len(order))
	for i, id := range order {
		out[i] = scoredID{id: id, score: scores[id]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// normalizeScores rescales so the top score is exactly 1.
func normalizeScores(items []scoredID) {
	if len(items) == 0 || items[0].score <= 0 {
		return
	}
	max := items[0].score
	for i := range items {
		items[i].score /= max
	}
}

// loadScored fetches entries for the scored ids, preserving score order.
func (m *Memory) loadScored(ctx context.Context, scored []scoredID) ([]*v1.MemoryEntry, error) {
	if len(scored) == 0 {
		return nil, nil
	}
	ids := make([]string, len(scored))
	scoreByID := make(map[string]float64, len(scored))
	for i, item := range scored {
		ids[i] = item.id
		scoreByID[item.id] = item.score
	}

	query, args, err := sqlx.In(`SELECT * FROM memories WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []memoryRow
	if err := m.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load recall entries: %w", err)
	}

	byID := make(map[string]*v1.MemoryEntry, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entry.Score = scoreByID[entry.ID]
		byID[entry.ID] = entry
	}

	entries := make([]*v1.MemoryEntry, 0, len(scored))
	for _, item := range scored {
		if entry, ok := byID[item.id]; ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// applyDecayAndBoost multiplies each score by
// exp(-lambda*ageDays) * (1 + log(1+accessCount)*0.1), measuring age from
// last access when set, else creation, then renormalizes so the top score
// is 1. Lambda zero disables decay (the boost still applies).
func applyDecayAndBoost(entries []*v1.MemoryEntry, lambda float64) {
	if len(entries) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		ref := entry.CreatedAt
		if entry.LastAccessedAt != nil {
			ref = *entry.LastAccessedAt
		}
		ageDays := now.Sub(ref).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := 1.0
		if lambda > 0 {
			decay = math.Exp(-lambda * ageDays)
		}
		boost := 1 + math.Log(1+float64(entry.AccessCount))*0.1
		entry.Score *= decay * boost
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if top := entries[0].Score; top > 0 {
		for _, entry := range entries {
			entry.Score /= top
		}
	}
}

// trackAccess bumps access counts for returned entries in one statement
// and reflects the bump in the returned values.
func (m *Memory) trackAccess(ctx context.Context, entries []*v1.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	query, args, err := sqlx.In(
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id IN (?)`,
		now, ids)
	if err != nil {
		return err
	}
	if _, err := m.pool.Writer().ExecContext(ctx, query, args...); err != nil {
		return err
	}
	for _, entry := range entries {
		entry.AccessCount++
		t := now
		entry.LastAccessedAt = &t
	}
	return nil
}

// buildHints computes matched topics, related topics from vector
// overflow, and the namespace topic map.
func (m *Memory) buildHints(ctx context.Context, namespace string, entries []*v1.MemoryEntry, vecOverflow []vectorMatch, topicFilter string) (*RecallHints, error) {
	hints := &RecallHints{
		MatchedTopics: []string{},
		RelatedTopics: []string{},
		TopicMap:      map[string]int{},
	}

	matched := make(map[string]bool)
	for _, entry := range entries {
		if entry.Topic != "" && !matched[entry.Topic] {
			matched[entry.Topic] = true
			hints.MatchedTopics = append(hints.MatchedTopics, entry.Topic)
		}
	}

	// Related topics come from vector hits beyond the returned set; an
	// active topic filter makes them meaningless.
	if topicFilter == "" && len(vecOverflow) > 0 {
		returned := make(map[string]bool, len(entries))
		for _, entry := range entries {
			returned[entry.ID] = true
		}
		var overflowIDs []string
		for _, match := range vecOverflow {
			if !returned[match.id] {
				overflowIDs = append(overflowIDs, match.id)
			}
		}
		if len(overflowIDs) > 0 {
			query, args, err := sqlx.In(
				`SELECT DISTINCT topic FROM memories WHERE topic IS NOT NULL AND id IN (?)`,
				overflowIDs)
			if err != nil {
				return nil, err
			}
			var topics []string
			if err := m.pool.Reader().SelectContext(ctx, &topics, query, args...); err != nil {
				return nil, err
			}
			for _, topic := range topics {
				if topic != "" && !matched[topic] {
					hints.RelatedTopics = append(hints.RelatedTopics, topic)
				}
			}
		}
	}

	var rows []struct {
		Topic string `db:"topic"`
		Count int    `db:"count"`
	}
	err := m.pool.Reader().SelectContext(ctx, &rows, `
		SELECT topic, COUNT(*) AS count FROM memories
		WHERE namespace = ? AND topic IS NOT NULL AND topic != ''
		GROUP BY topic
		ORDER BY count DESC
		LIMIT ?`, namespace, topicMapLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate topics: %w", err)
	}
	for _, row := range rows {
		hints.TopicMap[row.Topic] = row.Count
	}
	return hints, nil
}

// escapeFTSQuery wraps each whitespace-delimited token in double quotes
// and joins with OR, so user text cannot inject FTS syntax.
func escapeFTSQuery(query string) string {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
