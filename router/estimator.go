package router

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts tokens with tiktoken's cl100k_base encoding.
// When the encoding cannot be loaded it falls back to a character-based
// estimate of one token per four characters.
type TokenEstimator struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

// NewTokenEstimator returns a ready estimator. Encoding load failures
// are absorbed; the estimator then uses the character fallback.
func NewTokenEstimator() *TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenEstimator{}
	}
	return &TokenEstimator{encoder: enc}
}

// Count returns the estimated token count for text.
func (e *TokenEstimator) Count(text string) int {
	if e.encoder == nil {
		return len(text) / 4
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoder.Encode(text, nil, nil))
}
