package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TrigramSimilarity("ferritin", "ferritin"))
	assert.Equal(t, 0.0, TrigramSimilarity("", ""))
	assert.Equal(t, 0.0, TrigramSimilarity("abc", ""))

	// Near-identical strings score high, unrelated ones low.
	near := TrigramSimilarity("ferritin", "feritin")
	far := TrigramSimilarity("ferritin", "glucose")
	assert.Greater(t, near, 0.6)
	assert.Less(t, far, 0.2)
	assert.Greater(t, near, far)
}

func TestTrigramSimilaritySymmetric(t *testing.T) {
	pairs := [][2]string{
		{"hamoglobin", "hemoglobin"},
		{"vitamin d", "vitamin d3"},
		{"alt gpt", "ast got"},
	}
	for _, p := range pairs {
		assert.InDelta(t, TrigramSimilarity(p[0], p[1]), TrigramSimilarity(p[1], p[0]), 1e-12)
	}
}

func TestTrigramSimilarityRange(t *testing.T) {
	pairs := [][2]string{
		{"a", "b"}, {"ab", "ab"}, {"holesterol", "cholesterol"}, {"x", "xyz abc"},
	}
	for _, p := range pairs {
		s := TrigramSimilarity(p[0], p[1])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}
