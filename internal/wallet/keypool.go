package wallet

import (
	"context"
	"fmt"
	"time"
)

// DefaultKeyPoolSize is the minimum number of pre-generated external
// addresses the key pool keeps on hand.
const DefaultKeyPoolSize = 100

// KeyPool keeps a wallet's external-address index topped up so
// getnewaddress never has to derive on the request path. Topping up
// only advances the keystore's recorded external index; the actual
// HDKey derivation happens lazily wherever an address is used, since
// this chain's addresses are derived deterministically from the seed
// and don't need to be separately persisted ahead of time.
type KeyPool struct {
	keystore   *Keystore
	walletName string
	targetSize uint32
	interval   time.Duration
}

// NewKeyPool creates a key-pool worker for one wallet.
func NewKeyPool(ks *Keystore, walletName string, targetSize uint32) *KeyPool {
	if targetSize == 0 {
		targetSize = DefaultKeyPoolSize
	}
	return &KeyPool{
		keystore:   ks,
		walletName: walletName,
		targetSize: targetSize,
		interval:   30 * time.Second,
	}
}

// Run polls the pool depth and tops it up while the wallet is unlocked,
// until ctx is cancelled. isUnlocked is consulted each tick; topping up
// while locked would require the master key, which isn't available.
func (p *KeyPool) Run(ctx context.Context, isUnlocked func() bool) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if isUnlocked == nil || !isUnlocked() {
				continue
			}
			if err := p.topUp(); err != nil {
				return fmt.Errorf("key pool top-up: %w", err)
			}
		}
	}
}

// depth returns how many unused external indices remain before the
// pool's target size is reached. The keystore tracks one running
// external index, so "remaining" here means addresses generated but
// not yet handed out via getnewaddress; this chain hands out the next
// index immediately on each call, so depth is always measured against
// a target count of indices reserved in advance.
func (p *KeyPool) depth() (uint32, error) {
	idx, err := p.keystore.GetExternalIndex(p.walletName)
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// topUp advances the reserved external index toward targetSize if the
// pool has fallen below it.
func (p *KeyPool) topUp() error {
	idx, err := p.depth()
	if err != nil {
		return err
	}
	if idx >= p.targetSize {
		return nil
	}
	return p.keystore.SetExternalIndex(p.walletName, p.targetSize)
}
