package services

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"scaled", []float32{1, 2}, []float32{2, 4}, 1.0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0.0},
		{"empty", nil, nil, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineSimilarityRanking(t *testing.T) {
	query := []float32{0.9, 0.1, 0.0}
	close := []float32{0.8, 0.2, 0.1}
	far := []float32{0.0, 0.1, 0.9}

	if CosineSimilarity(query, close) <= CosineSimilarity(query, far) {
		t.Error("expected the nearby vector to rank above the distant one")
	}
}

func TestKeywordSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		content string
		want    float64
	}{
		{"full match", "favorite color blue", "my favorite color is blue", 1.0},
		{"partial match", "favorite color blue", "blue skies ahead", 1.0 / 3.0},
		{"no match", "quantum physics", "my favorite color is blue", 0.0},
		{"case insensitive", "BLUE", "Blue is nice", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keywordSimilarity(tt.query, tt.content)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("keywordSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeywordSimilarityEmptyQuery(t *testing.T) {
	if got := keywordSimilarity("", "anything"); got <= 0 {
		t.Errorf("empty query should score a small positive value, got %v", got)
	}
}

func TestTokenizeDropsShortWords(t *testing.T) {
	words := tokenize("I am on a trip to Lisbon in 2025!")
	for _, w := range words {
		if len(w) <= 2 {
			t.Errorf("short token %q survived", w)
		}
	}

	found := map[string]bool{}
	for _, w := range words {
		found[w] = true
	}
	if !found["trip"] || !found["lisbon"] || !found["2025"] {
		t.Errorf("expected trip/lisbon/2025 tokens, got %v", words)
	}
}

func TestContentHashNormalizes(t *testing.T) {
	a := contentHash("My favorite color is blue")
	b := contentHash("  my   FAVORITE color is Blue ")
	if a != b {
		t.Error("hash should be stable under case and whitespace changes")
	}

	c := contentHash("my favorite color is red")
	if a == c {
		t.Error("different content must hash differently")
	}
}
