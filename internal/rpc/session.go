package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/novastake/novastaked/internal/wallet"
)

// walletSession holds the in-memory unlocked state for the server's active
// wallet. walletpassphrase/walletlock/encryptwallet assume a single loaded
// wallet with a password cached for a bounded window, unlike the
// password-per-call wallet_xxx endpoints; this is that cache. While
// unlocked it also owns the key-pool top-up worker, started on demand per
// the "one key-top-up thread (on demand)" scheduling rule.
type walletSession struct {
	mu          sync.Mutex
	name        string
	master      *wallet.HDKey
	relocker    *wallet.Relocker
	reserve     *wallet.ReservePolicy
	ks          *wallet.Keystore
	keyPoolSize uint32
	poolCancel  context.CancelFunc
}

func newWalletSession() *walletSession {
	s := &walletSession{reserve: wallet.NewReservePolicy()}
	s.relocker = wallet.NewRelocker(s.onRelock)
	return s
}

func (s *walletSession) onRelock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = nil
	s.name = ""
	s.stopKeyPoolLocked()
}

// unlock caches the derived master key for name, arms the relocker, and
// starts the key-pool top-up worker for as long as the wallet stays
// unlocked.
func (s *walletSession) unlock(name string, master *wallet.HDKey, timeout time.Duration, mintOnly bool) {
	s.mu.Lock()
	s.name = name
	s.master = master
	s.stopKeyPoolLocked()
	if s.ks != nil {
		target := s.keyPoolSize
		if target == 0 {
			target = wallet.DefaultKeyPoolSize
		}
		pool := wallet.NewKeyPool(s.ks, name, target)
		ctx, cancel := context.WithCancel(context.Background())
		s.poolCancel = cancel
		go pool.Run(ctx, func() bool { return true })
	}
	s.mu.Unlock()
	s.relocker.Unlock(timeout, mintOnly)
}

// lock clears the cached key immediately, matching explicit walletlock.
func (s *walletSession) lock() {
	s.relocker.Lock()
}

func (s *walletSession) stopKeyPoolLocked() {
	if s.poolCancel != nil {
		s.poolCancel()
		s.poolCancel = nil
	}
}

// active returns the cached wallet name and master key if the relocker
// has not yet fired, and whether the session is mint-only (staking only,
// no ordinary spends — per walletpassphrase's mintonly flag).
func (s *walletSession) active() (name string, master *wallet.HDKey, mintOnly bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlocked, mint := s.relocker.IsUnlocked()
	if !unlocked || s.master == nil {
		return "", nil, false, false
	}
	return s.name, s.master, mint, true
}
