package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrStaleNonce = errors.New("stale nonce")
	ErrNonceGap   = errors.New("nonce gap")
)

// BridgePartition orders deposits, which carry a bridge sequence instead of a
// caller nonce.
const BridgePartition = "bridge"

// CallerPartition is the nonce partition for commands sent by caller.
func CallerPartition(caller common.Address) string {
	return "caller:" + strings.ToLower(caller.Hex())
}

// nonceTracker holds the next expected nonce of every partition. Partitions
// start at 0. Rejected commands still consume their nonce.
type nonceTracker struct {
	next map[string]int64
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{next: make(map[string]int64)}
}

// admit accepts nonce if it is the next one for partition and advances it.
// A replayed duplicate below the expected nonce is let through so the
// caller can answer it as a duplicate.
func (n *nonceTracker) admit(partition string, nonce int64, duplicate bool) error {
	want := n.next[partition]
	switch {
	case nonce == want:
		n.next[partition] = want + 1
		return nil
	case nonce < want && duplicate:
		return nil
	case nonce < want:
		return fmt.Errorf("%s: want nonce %d, got %d: %w", partition, want, nonce, ErrStaleNonce)
	default:
		return fmt.Errorf("%s: want nonce %d, got %d: %w", partition, want, nonce, ErrNonceGap)
	}
}

func (n *nonceTracker) expected(partition string) int64 {
	return n.next[partition]
}

func (n *nonceTracker) snapshot() map[string]int64 {
	out := make(map[string]int64, len(n.next))
	for k, v := range n.next {
		out[k] = v
	}
	return out
}

func (n *nonceTracker) restore(partitions map[string]int64) {
	for k, v := range partitions {
		n.next[k] = v
	}
}
