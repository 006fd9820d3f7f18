package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// encodeVector packs a float32 vector as a little-endian BLOB.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian BLOB into a float32 vector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero or the dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// vectorMatch is one k-NN hit.
type vectorMatch struct {
	id         string
	similarity float64
}

type vectorRow struct {
	MemoryID  string `db:"memory_id"`
	Embedding []byte `db:"embedding"`
}

// knn scans the namespace partition of the vector table and returns the k
// nearest entries by cosine similarity, excluding excludeID if non-empty.
// A linear scan is adequate at the table sizes a single agent accumulates.
func (m *Memory) knn(ctx context.Context, namespace string, query []float32, k int, excludeID string) ([]vectorMatch, error) {
	var rows []vectorRow
	err := m.pool.Reader().SelectContext(ctx, &rows, `
		SELECT memory_id, embedding FROM memory_vectors WHERE namespace = ?`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}

	matches := make([]vectorMatch, 0, len(rows))
	for i := range rows {
		if rows[i].MemoryID == excludeID {
			continue
		}
		vec, err := decodeVector(rows[i].Embedding)
		if err != nil {
			continue
		}
		matches = append(matches, vectorMatch{
			id:         rows[i].MemoryID,
			similarity: cosineSimilarity(query, vec),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].similarity > matches[j].similarity
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// putVector upserts the embedding for a memory id.
func (m *Memory) putVector(ctx context.Context, memoryID, namespace string, vec []float32) error {
	_, err := m.pool.Writer().ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, namespace, embedding, dims)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			namespace = excluded.namespace,
			embedding = excluded.embedding,
			dims = excluded.dims`,
		memoryID, namespace, encodeVector(vec), len(vec))
	if err != nil {
		return fmt.Errorf("failed to store vector for %s: %w", memoryID, err)
	}
	return nil
}
