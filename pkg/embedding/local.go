package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// LocalProvider is a deterministic, dependency-free embedder for tests and
// offline deployments. Vectors are hash-seeded and unit-norm, so identical
// text always embeds to the same vector and token-overlapping texts score
// higher than unrelated ones.
type LocalProvider struct {
	dims  int
	model string
}

// NewLocalProvider creates a deterministic provider with the given dimension.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = 384
	}
	return &LocalProvider{dims: dims, model: "local-hash"}
}

// ModelID identifies the provider.
func (p *LocalProvider) ModelID() string { return p.model }

// Dimensions reports the fixed dimension.
func (p *LocalProvider) Dimensions(ctx context.Context) (int, error) {
	return p.dims, nil
}

// Embed derives a deterministic unit vector from text.
func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float64, p.dims)
	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		for i := 0; i+8 <= len(sum); i += 8 {
			idx := int(binary.BigEndian.Uint32(sum[i:i+4])) % p.dims
			sign := 1.0
			if sum[i+4]&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, p.dims)
	if norm == 0 {
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// BatchEmbed derives vectors for each input, preserving order.
func (p *LocalProvider) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func tokenize(text string) []string {
	var tokens []string
	var current []rune
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			current = append(current, r)
			continue
		}
		if len(current) > 0 {
			tokens = append(tokens, string(current))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		tokens = append(tokens, string(current))
	}
	return tokens
}
