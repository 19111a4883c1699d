package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/hiroba-chat/broker/internal/v1/types"
)

// plainVerifier stores passwords behind a recognizable prefix so tests avoid
// the bcrypt work factor.
type plainVerifier struct{}

func (plainVerifier) Hash(password string) (string, error) {
	return "hashed:" + password, nil
}

func (plainVerifier) Verify(password, verifier string) bool {
	return verifier == "hashed:"+password
}

// failingVerifier simulates a broken hash collaborator.
type failingVerifier struct{}

func (failingVerifier) Hash(string) (string, error) {
	return "", fmt.Errorf("hash backend unavailable")
}

func (failingVerifier) Verify(string, string) bool { return false }

// seqIssuer mints deterministic tokens.
type seqIssuer struct {
	mu sync.Mutex
	n  int
}

func (s *seqIssuer) NewToken() types.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return types.Token(fmt.Sprintf("token-%d", s.n))
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	return New(plainVerifier{}, &seqIssuer{}, WithClock(clock)), clock
}
