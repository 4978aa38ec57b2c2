package account

import (
	"context"
	"sync"
)

// NonceFetcher queries the chain for the next usable nonce (or operation
// counter) of an address.
type NonceFetcher func(ctx context.Context) (uint64, error)

// NonceSequencer hands out strictly increasing nonces per address. Account
// chains reject reused nonces, so concurrent swaps funding from the same
// address must serialize through one sequencer instance.
type NonceSequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewNonceSequencer() *NonceSequencer {
	return &NonceSequencer{next: make(map[string]uint64)}
}

// Next returns the nonce to use for the address's next transaction. The
// first call for an address consults fetch; later calls advance the local
// counter unless the chain reports a higher value (another wallet spent
// from the address).
func (s *NonceSequencer) Next(ctx context.Context, address string, fetch NonceFetcher) (uint64, error) {
	chainNonce, err := fetch(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := s.next[address]
	if chainNonce > nonce {
		nonce = chainNonce
	}
	s.next[address] = nonce + 1
	return nonce, nil
}

// Reset drops the local counter for an address, forcing the next call to
// trust the chain. Used after a broadcast failure.
func (s *NonceSequencer) Reset(address string) {
	s.mu.Lock()
	delete(s.next, address)
	s.mu.Unlock()
}
