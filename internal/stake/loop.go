package stake

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/crypto"
	"github.com/novastake/novastaked/pkg/types"
)

// DefaultGranularity is the stake-time quantization step: candidate
// timestamps are only tried on multiples of this many seconds, which
// keeps the per-tick search space bounded regardless of tick interval.
const DefaultGranularity = 16

// DefaultMaxFutureDrift bounds how far into the future a candidate
// timestamp may be tried, mirroring the tolerance most UTXO chains give
// block timestamps before peers reject them outright.
const DefaultMaxFutureDrift = 2 * 60

// defaultMaxPastDrift bounds how far below the current wall clock t0 may
// fall when the chain tip is stale. The reference design ties this to
// MaxReorgDepth, a block count; this chain doesn't have a fixed
// block-time-to-duration mapping stable enough to reuse that constant
// directly; it instead uses a flat hour.
const defaultMaxPastDrift = 60 * 60

// ShutdownFlag is a single atomic switch shared by the staking loop, the
// wallet relocker, and the key-pool worker, so one shutdown request
// drains all three instead of juggling independent stop channels.
type ShutdownFlag struct {
	stopped atomic.Bool
}

// Set requests shutdown. Idempotent.
func (f *ShutdownFlag) Set() { f.stopped.Store(true) }

// IsSet reports whether shutdown has been requested.
func (f *ShutdownFlag) IsSet() bool { return f.stopped.Load() }

// ChainSnapshot is the tip state the staking loop evaluates candidates
// against for one pass. It is captured once per tick so a candidate
// search never straddles two different tips.
type ChainSnapshot struct {
	TipHash    types.Hash
	TipTime    int64
	Height     uint64
	PosTarget  *big.Int
	Difficulty uint64 // Divisor of the max 256-bit target, copied into the assembled header.
}

// SnapshotFunc captures the current chain tip.
type SnapshotFunc func() (ChainSnapshot, error)

// SpendableFunc returns the UTXOs eligible to be used as kernel
// candidates: unlocked, confirmed past coinbase/coinstake maturity, and
// outside the wallet's reserve balance.
type SpendableFunc func() ([]Candidate, error)

// SubmitFunc hands a freshly assembled block to the chain for
// validation and, on acceptance, propagation.
type SubmitFunc func(blk *block.Block) error

// Loop runs the staking cycle described in the design: sleep while
// ineligible, snapshot the tip, evaluate every candidate across the slot
// window, assemble and submit the best winner, repeat.
type Loop struct {
	Snapshot  SnapshotFunc
	Spendable SpendableFunc
	Submit    SubmitFunc
	Assembler *Assembler
	Signer    *crypto.PrivateKey

	// CanStake reports whether staking may proceed right now: wallet
	// unlocked (or mint-only unlocked), chain synced. Staking pauses
	// without exiting the loop while this returns false.
	CanStake func() bool

	StakeMinAge uint64
	StakeMaxAge uint64

	TickInterval   time.Duration
	Granularity    int64
	MaxFutureDrift int64
	MaxPastDrift   int64

	Shutdown *ShutdownFlag

	// now is overridable in tests; defaults to time.Now().Unix().
	now func() int64
}

// NewLoop creates a staking loop with the teacher's standard 500ms tick
// and spec-default granularity/future-drift bounds.
func NewLoop(assembler *Assembler, signer *crypto.PrivateKey, minAge, maxAge uint64, snapshot SnapshotFunc, spendable SpendableFunc, submit SubmitFunc, canStake func() bool, shutdown *ShutdownFlag) *Loop {
	return &Loop{
		Snapshot:       snapshot,
		Spendable:      spendable,
		Submit:         submit,
		Assembler:      assembler,
		Signer:         signer,
		CanStake:       canStake,
		StakeMinAge:    minAge,
		StakeMaxAge:    maxAge,
		TickInterval:   500 * time.Millisecond,
		Granularity:    DefaultGranularity,
		MaxFutureDrift: DefaultMaxFutureDrift,
		MaxPastDrift:   defaultMaxPastDrift,
		Shutdown:       shutdown,
		now:            func() int64 { return time.Now().Unix() },
	}
}

// Run drives the staking cycle until ctx is cancelled or Shutdown is set.
// A block assembly already in progress when shutdown is requested is
// allowed to finish and submit before the loop exits.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.TickInterval)
	defer ticker.Stop()

	for {
		if l.Shutdown != nil && l.Shutdown.IsSet() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.CanStake == nil || !l.CanStake() {
			if !l.sleep(ctx, ticker) {
				return ctx.Err()
			}
			continue
		}

		if err := l.tick(); err != nil {
			// A failed tick (e.g. transient snapshot error) is not fatal;
			// the next tick retries against fresh state.
			if !l.sleep(ctx, ticker) {
				return ctx.Err()
			}
			continue
		}

		if !l.sleep(ctx, ticker) {
			return ctx.Err()
		}
	}
}

func (l *Loop) sleep(ctx context.Context, ticker *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ticker.C:
		return true
	}
}

// tick performs one full evaluate/assemble/submit pass.
func (l *Loop) tick() error {
	snap, err := l.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	candidates, err := l.Spendable()
	if err != nil {
		return fmt.Errorf("spendable candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	t0, t1 := l.window(snap.TipTime)
	modifier := DeriveStakeModifier(snap.TipHash)

	var winners []Winner
	for _, c := range candidates {
		for t := t0; t <= t1; t += l.Granularity {
			ok, hash := EvaluateCandidate(modifier, snap.TipTime, c, t, snap.PosTarget, l.StakeMinAge, l.StakeMaxAge)
			if ok {
				winners = append(winners, Winner{Candidate: c, Time: t, Hash: hash})
			}
		}
	}

	winner, found := SelectWinner(winners)
	if !found {
		return nil
	}

	weight := CoinAgeWeight(winner.Candidate.BlockTime, winner.Time, l.StakeMinAge, l.StakeMaxAge)
	reward := GetProofOfStakeReward(CoinDay(winner.Candidate.Value, weight))

	blk, err := l.Assembler.AssembleBlock(snap.TipHash, snap.Height+1, winner, l.Signer, reward, snap.Difficulty)
	if err != nil {
		return fmt.Errorf("assemble block: %w", err)
	}

	if l.Submit != nil {
		if err := l.Submit(blk); err != nil {
			return fmt.Errorf("submit block: %w", err)
		}
	}
	return nil
}

// window computes the [t0, t1] slot window for this tick, quantized to
// Granularity (t0 rounded up, t1 rounded down). t0 is the earliest timestamp that can follow the tip
// (never less than tipTime+1), bounded below so a long-stalled tip
// doesn't force scanning an unbounded number of stale slots. t1 is the
// current time plus the allowed future drift.
func (l *Loop) window(tipTime int64) (int64, int64) {
	now := l.now()

	t0 := tipTime + 1
	if lower := now - l.MaxPastDrift; t0 < lower {
		t0 = lower
	}
	t1 := now + l.MaxFutureDrift

	if q := quantize(t0, l.Granularity); q < t0 {
		t0 = q + l.Granularity
	}
	t1 = quantize(t1, l.Granularity)
	return t0, t1
}

func quantize(t, granularity int64) int64 {
	if granularity <= 0 {
		return t
	}
	return (t / granularity) * granularity
}
