package consensus

import (
	"fmt"
	"math"

	"github.com/novastake/novastaked/internal/stake"
	"github.com/novastake/novastaked/internal/utxo"
	"github.com/novastake/novastaked/pkg/types"
)

// UTXOStakeChecker checks that a validator has sufficient stake by querying the
// UTXO store's stake index. It satisfies the StakeChecker interface.
type UTXOStakeChecker struct {
	utxos    *utxo.Store
	minStake uint64
}

// NewUTXOStakeChecker creates a stake checker that requires at least minStake
// base units locked in ScriptTypeStake UTXOs for the given public key.
func NewUTXOStakeChecker(utxos *utxo.Store, minStake uint64) *UTXOStakeChecker {
	return &UTXOStakeChecker{utxos: utxos, minStake: minStake}
}

// HasStake returns true if the validator identified by pubKey has >= minStake
// locked in ScriptTypeStake UTXOs.
func (c *UTXOStakeChecker) HasStake(pubKey []byte) (bool, error) {
	stakes, err := c.utxos.GetStakes(pubKey)
	if err != nil {
		return false, err
	}

	var total uint64
	for _, s := range stakes {
		if total > math.MaxUint64-s.Value {
			// Overflow means total exceeds any possible minStake.
			return true, nil
		}
		total += s.Value
	}
	return total >= c.minStake, nil
}

// CandidateByOutpoint resolves an outpoint into the kernel candidate
// fields the PoS kernel needs. Implements consensus.CandidateSource.
func (c *UTXOStakeChecker) CandidateByOutpoint(op types.Outpoint) (stake.Candidate, error) {
	u, err := c.utxos.Get(op)
	if err != nil {
		return stake.Candidate{}, fmt.Errorf("get kernel utxo %s: %w", op, err)
	}
	return stake.Candidate{
		TxID:      op.TxID,
		VOut:      op.Index,
		Value:     u.Value,
		BlockTime: u.BlockTime,
		TxOffset:  u.TxOffset,
	}, nil
}

// CandidatesForPubKey lists every stake-locked UTXO candidate owned by
// pubKey. Implements consensus.CandidateLister, used by PoS.Seal's
// fallback single-validator kernel search.
func (c *UTXOStakeChecker) CandidatesForPubKey(pubKey []byte) ([]stake.Candidate, error) {
	stakes, err := c.utxos.GetStakes(pubKey)
	if err != nil {
		return nil, err
	}
	candidates := make([]stake.Candidate, 0, len(stakes))
	for _, u := range stakes {
		candidates = append(candidates, stake.Candidate{
			TxID:      u.Outpoint.TxID,
			VOut:      u.Outpoint.Index,
			Value:     u.Value,
			BlockTime: u.BlockTime,
			TxOffset:  u.TxOffset,
		})
	}
	return candidates, nil
}
