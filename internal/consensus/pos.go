package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/novastake/novastaked/internal/stake"
	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/crypto"
	"github.com/novastake/novastaked/pkg/types"
)

// PoS errors.
var (
	ErrNoStakeChecker     = errors.New("pos: no stake checker configured")
	ErrKernelNotMet       = errors.New("pos: kernel hash does not meet stake target")
	ErrShortSig           = errors.New("pos: validator signature too short to contain a public key")
	ErrZeroStakeTarget    = errors.New("pos: stake target must be > 0")
	ErrKernelTimeout      = errors.New("pos: no kernel solution found before deadline")
	ErrMissingCoinstake   = errors.New("pos: block has no coinstake transaction at index 0")
	ErrNoCandidateSource  = errors.New("pos: no candidate source configured for kernel verification")
)

// pubKeyLen is the compressed secp256k1 public key size.
const pubKeyLen = 33

// CandidateSource resolves the UTXO an outpoint refers to into the
// stake.Candidate fields the kernel needs (value, age, position). It is
// how VerifyBlock recovers the data the kernel was originally evaluated
// against, since a header alone doesn't carry the spent UTXO's value or
// block-time.
type CandidateSource interface {
	CandidateByOutpoint(op types.Outpoint) (stake.Candidate, error)
}

// CandidateLister enumerates the stake UTXOs available to a given
// validator pubkey, used by Seal/SealWithCancel to search for a kernel
// solution using the signer's own stake.
type CandidateLister interface {
	CandidatesForPubKey(pubKey []byte) ([]stake.Candidate, error)
}

// ChainTimeSource looks up a block's timestamp by hash, independent of
// the current chain tip. PoS needs the previous block's time (not
// necessarily the tip, during verification of a historical or competing
// branch) as one of the kernel's hashed inputs.
type ChainTimeSource interface {
	BlockTime(hash types.Hash) (int64, error)
}

// PoS implements proof-of-stake consensus using the stake package's
// kernel: a staker scans timestamps looking for one where, for some UTXO
// it controls, the kernel hash of (stake-modifier, prev-block-time,
// utxo.block-time, utxo.tx-offset, utxo.vout, t) falls under the stake
// target once weighted by the UTXO's value and coin-age. Anyone with
// enough stake locked in a ScriptTypeStake UTXO (verified through
// StakeChecker) can produce a block, unlike PoA's fixed validator set.
//
// VerifyHeader alone cannot re-run the kernel test — it has no access to
// which UTXO the block's coinstake transaction spent, so it only checks
// the validator signature and stake membership. Full kernel
// verification happens in VerifyBlock (consensus.BlockVerifier), which
// Validator.ValidateBlock prefers whenever the configured engine
// implements it.
//
// The block header carries the kernel's pubkey bundled with the
// signature (header.ValidatorSig = pubkey || signature) since Schnorr
// signatures here don't support public key recovery.
type PoS struct {
	mu sync.RWMutex

	// target is the current stake difficulty. Mirrors PoW's difficulty
	// field: header.Difficulty holds the value MaxUint256 is divided by
	// to get the stake target, so a larger value is harder.
	target uint64

	// TargetFn computes the expected stake target for a new block, given
	// its height. Set by the node operator. If nil, Prepare uses target
	// unchanged (no retargeting).
	TargetFn func(height uint64) uint64

	// stakeChecker verifies the kernel signer has stake locked on-chain.
	stakeChecker StakeChecker

	// candidateSource and candidateLister are usually the same
	// concrete value as stakeChecker (see SetCandidateSource); kept as
	// separate fields so tests can supply narrower fakes.
	candidateSource CandidateSource
	candidateLister CandidateLister
	chainTime       ChainTimeSource

	stakeMinAge uint64
	stakeMaxAge uint64

	signer *crypto.PrivateKey

	// KernelTickInterval is how often Seal retries a new timestamp while
	// searching for a kernel solution.
	KernelTickInterval time.Duration
}

// NewPoS creates a PoS engine with the given initial stake target and
// stake checker. A higher value divides MaxUint256 into a smaller stake
// target, which makes a kernel solution harder to find. If
// stakeChecker also implements CandidateSource and/or CandidateLister
// (as UTXOStakeChecker does), those are wired automatically.
func NewPoS(initialTarget uint64, stakeChecker StakeChecker) (*PoS, error) {
	if initialTarget == 0 {
		return nil, ErrZeroStakeTarget
	}
	if stakeChecker == nil {
		return nil, ErrNoStakeChecker
	}
	p := &PoS{
		target:             initialTarget,
		stakeChecker:       stakeChecker,
		KernelTickInterval: 500 * time.Millisecond,
		stakeMinAge:        1,
		stakeMaxAge:        1,
	}
	if cs, ok := stakeChecker.(CandidateSource); ok {
		p.candidateSource = cs
	}
	if cl, ok := stakeChecker.(CandidateLister); ok {
		p.candidateLister = cl
	}
	return p, nil
}

// SetSigner sets the local staking key used to seal blocks.
func (p *PoS) SetSigner(key *crypto.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signer = key
}

// GetSigner returns the current signer key, or nil if not set.
func (p *PoS) GetSigner() *crypto.PrivateKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signer
}

// SetChainTimeSource wires access to historical block timestamps, needed
// for the kernel's prev-block-time input during VerifyBlock.
func (p *PoS) SetChainTimeSource(src ChainTimeSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chainTime = src
}

// SetCandidateSource overrides the outpoint-to-candidate resolver used
// by VerifyBlock. Only needed when the stake checker passed to NewPoS
// doesn't already implement CandidateSource.
func (p *PoS) SetCandidateSource(src CandidateSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidateSource = src
}

// SetStakeAgeRules configures the coin-age window the kernel test
// clamps against. Must match config.ConsensusRules.StakeMinAge/
// StakeMaxAge from genesis.
func (p *PoS) SetStakeAgeRules(minAge, maxAge uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stakeMinAge = minAge
	p.stakeMaxAge = maxAge
}

// Target returns the current stake target.
func (p *PoS) Target() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

// splitValidatorSig separates the bundled pubkey||signature into its parts.
func splitValidatorSig(data []byte) (pubKey, sig []byte, err error) {
	if len(data) <= pubKeyLen {
		return nil, nil, ErrShortSig
	}
	return data[:pubKeyLen], data[pubKeyLen:], nil
}

// VerifyHeader checks the block's validator signature and confirms the
// signer has stake locked on-chain. It cannot re-run the kernel test
// (no access to the coinstake's spent UTXO), so callers that need full
// consensus validation must use VerifyBlock instead — see the PoS doc
// comment and Validator.ValidateBlock.
func (p *PoS) VerifyHeader(header *block.Header) error {
	p.mu.RLock()
	stakeChecker := p.stakeChecker
	p.mu.RUnlock()

	if len(header.ValidatorSig) == 0 {
		return ErrMissingSig
	}
	pubKey, sig, err := splitValidatorSig(header.ValidatorSig)
	if err != nil {
		return err
	}

	hash := header.Hash()
	if !crypto.VerifySignature(hash[:], sig, pubKey) {
		return ErrInvalidSig
	}

	if stakeChecker == nil {
		return ErrNoStakeChecker
	}
	ok, err := stakeChecker.HasStake(pubKey)
	if err != nil {
		return fmt.Errorf("check stake: %w", err)
	}
	if !ok {
		return ErrInsufficientStake
	}

	if header.Difficulty == 0 {
		return ErrZeroStakeTarget
	}
	return nil
}

// VerifyBlock implements the additive BlockVerifier interface: full
// kernel re-verification using the block's actual coinstake transaction.
// This is the authoritative PoS consensus check; VerifyHeader alone is
// insufficient.
func (p *PoS) VerifyBlock(blk *block.Block) error {
	if err := p.VerifyHeader(blk.Header); err != nil {
		return err
	}

	if len(blk.Transactions) == 0 || !blk.Transactions[0].Coinstake {
		return ErrMissingCoinstake
	}
	coinstake := blk.Transactions[0]
	if len(coinstake.Inputs) == 0 {
		return ErrMissingCoinstake
	}

	p.mu.RLock()
	candSrc := p.candidateSource
	chainTime := p.chainTime
	minAge, maxAge := p.stakeMinAge, p.stakeMaxAge
	p.mu.RUnlock()

	if candSrc == nil {
		return ErrNoCandidateSource
	}

	cand, err := candSrc.CandidateByOutpoint(coinstake.Inputs[0].PrevOut)
	if err != nil {
		return fmt.Errorf("resolve kernel utxo: %w", err)
	}

	prevBlockTime := int64(blk.Header.Timestamp)
	if chainTime != nil {
		if pbt, err := chainTime.BlockTime(blk.Header.PrevHash); err == nil {
			prevBlockTime = pbt
		}
	}

	modifier := stake.DeriveStakeModifier(blk.Header.PrevHash)
	posTarget := stake.TargetFromDifficulty(blk.Header.Difficulty)

	ok, _ := stake.EvaluateCandidate(modifier, prevBlockTime, cand, int64(blk.Header.Timestamp), posTarget, minAge, maxAge)
	if !ok {
		return ErrKernelNotMet
	}
	return nil
}

// Prepare sets the header's stake target for the block being assembled.
func (p *PoS) Prepare(header *block.Header) error {
	p.mu.RLock()
	t := p.target
	fn := p.TargetFn
	p.mu.RUnlock()

	if fn != nil {
		t = fn(header.Height)
	}
	if t == 0 {
		return ErrZeroStakeTarget
	}
	header.Difficulty = t
	return nil
}

// Seal searches for a kernel solution across the signer's own stake
// UTXOs by advancing the header's timestamp, and signs the header once a
// solution is found. This is a simplified single-validator fallback used
// by internal/miner's generic production path; the node's primary PoS
// block production goes through internal/stake.Loop/Assembler instead,
// which search and sign directly without going through the Engine
// interface at all. Blocks until a solution is found or ctx is done.
func (p *PoS) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel is Seal with cancellation support.
func (p *PoS) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	p.mu.RLock()
	signer := p.signer
	tick := p.KernelTickInterval
	lister := p.candidateLister
	chainTime := p.chainTime
	minAge, maxAge := p.stakeMinAge, p.stakeMaxAge
	p.mu.RUnlock()

	if signer == nil {
		return fmt.Errorf("no signer configured")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroStakeTarget
	}
	if lister == nil {
		return ErrNoCandidateSource
	}

	pub := signer.PublicKey()
	candidates, err := lister.CandidatesForPubKey(pub)
	if err != nil {
		return fmt.Errorf("list stake candidates: %w", err)
	}
	if len(candidates) == 0 {
		return ErrInsufficientStake
	}

	posTarget := stake.TargetFromDifficulty(blk.Header.Difficulty)
	modifier := stake.DeriveStakeModifier(blk.Header.PrevHash)
	startTimestamp := blk.Header.Timestamp

	// prevBlockTime is one of the kernel's hashed inputs. Without a wired
	// ChainTimeSource this falls back to the block's own starting
	// timestamp, which only matters for this fallback single-validator
	// search path — internal/stake.Loop always has a real chain snapshot.
	prevBlockTime := int64(startTimestamp)
	if chainTime != nil {
		if pbt, err := chainTime.BlockTime(blk.Header.PrevHash); err == nil {
			prevBlockTime = pbt
		}
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for offset := uint64(0); ; offset++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ts := int64(startTimestamp + offset)
		var winners []stake.Winner
		for _, c := range candidates {
			if ok, hash := stake.EvaluateCandidate(modifier, prevBlockTime, c, ts, posTarget, minAge, maxAge); ok {
				winners = append(winners, stake.Winner{Candidate: c, Time: ts, Hash: hash})
			}
		}
		if winner, found := stake.SelectWinner(winners); found {
			blk.Header.Timestamp = uint64(winner.Time)
			hash := blk.Header.Hash()
			sig, err := signer.Sign(hash[:])
			if err != nil {
				return fmt.Errorf("seal block: %w", err)
			}
			bundled := make([]byte, 0, pubKeyLen+len(sig))
			bundled = append(bundled, pub...)
			bundled = append(bundled, sig...)
			blk.Header.ValidatorSig = bundled
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// IdentifySigner returns the public key bundled in a PoS block header's
// validator signature, or nil if the signature is missing or malformed.
func (p *PoS) IdentifySigner(header *block.Header) []byte {
	pubKey, _, err := splitValidatorSig(header.ValidatorSig)
	if err != nil {
		return nil
	}
	return pubKey
}
