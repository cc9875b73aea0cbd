package telephony

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockPlaceDelay is the fixed simulated call duration before the mock
// resolves succeeded or failed.
const mockPlaceDelay = 2 * time.Second

// mockSuccessProbability matches the contract's documented mock behavior.
const mockSuccessProbability = 0.9

// MockPlacer simulates an external telephony provider: it sleeps
// mockPlaceDelay (context-cancellable) and succeeds with probability
// mockSuccessProbability, populating a generated external_call_id. A pool
// of workers share one MockPlacer, so draws from rng are serialized with a
// mutex; *rand.Rand is not safe for concurrent use on its own.
type MockPlacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockPlacer returns a MockPlacer seeded with the given seed. Pass a
// fixed seed in tests for reproducible outcomes.
func NewMockPlacer(seed int64) *MockPlacer {
	return &MockPlacer{rng: rand.New(rand.NewSource(seed))}
}

func (m *MockPlacer) draw() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

// Place implements Placer.
func (m *MockPlacer) Place(ctx context.Context, attempt CallAttempt) (PlaceResult, error) {
	select {
	case <-time.After(mockPlaceDelay):
	case <-ctx.Done():
		return PlaceResult{}, ctx.Err()
	}

	if m.draw() >= mockSuccessProbability {
		return PlaceResult{Succeeded: false}, nil
	}

	return PlaceResult{
		Succeeded:      true,
		ExternalCallID: fmt.Sprintf("mock-%s", uuid.NewString()),
	}, nil
}
