package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/intake/internal/platform/cache"
)

// Memoized reuses successful classifications of byte-identical documents for
// ttl. Failures are never stored, and cache errors only cost a round trip.
type Memoized struct {
	next   Classifier
	store  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewMemoized(next Classifier, store cache.Store, ttl time.Duration, logger zerolog.Logger) *Memoized {
	return &Memoized{next: next, store: store, ttl: ttl, logger: logger}
}

func memoKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "classify:" + hex.EncodeToString(sum[:])
}

func (m *Memoized) Classify(ctx context.Context, doc Document) (*Result, error) {
	key := memoKey(doc.Bytes)

	var cached Result
	err := cache.GetJSON(ctx, m.store, key, &cached)
	switch {
	case err == nil:
		return &cached, nil
	case !errors.Is(err, cache.ErrMiss):
		m.logger.Warn().Err(err).Msg("classification memo read failed")
	}

	res, err := m.next.Classify(ctx, doc)
	if err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, m.store, key, res, m.ttl); err != nil {
		m.logger.Warn().Err(err).Msg("classification memo write failed")
	}
	return res, nil
}
