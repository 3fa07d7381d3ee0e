package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceFetcher returns the next nonce the ledger expects for addr.
type nonceFetcher func(ctx context.Context, addr common.Address) (uint64, error)

// nonceTracker hands out gapless nonces per sender. Submissions from the
// same sender are serialized; different senders proceed in parallel.
type nonceTracker struct {
	fetch nonceFetcher

	mu      sync.Mutex
	senders map[common.Address]*senderNonce
}

type senderNonce struct {
	mu    sync.Mutex
	next  uint64
	known bool
}

func newNonceTracker(fetch nonceFetcher) *nonceTracker {
	return &nonceTracker{
		fetch:   fetch,
		senders: make(map[common.Address]*senderNonce),
	}
}

func (t *nonceTracker) sender(addr common.Address) *senderNonce {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.senders[addr]
	if !ok {
		s = &senderNonce{}
		t.senders[addr] = s
	}
	return s
}

// with runs submit with the next nonce for addr. The nonce is consumed only
// when submit succeeds; on failure the cached value is dropped and re-read
// from the ledger on the next submission.
func (t *nonceTracker) with(ctx context.Context, addr common.Address, submit func(nonce uint64) error) error {
	s := t.sender(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known {
		n, err := t.fetch(ctx, addr)
		if err != nil {
			return err
		}
		s.next, s.known = n, true
	}

	if err := submit(s.next); err != nil {
		s.known = false
		return err
	}
	s.next++
	return nil
}
