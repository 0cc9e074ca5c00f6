package stake

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/novastake/novastaked/config"
	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/crypto"
	"github.com/novastake/novastaked/pkg/tx"
	"github.com/novastake/novastaked/pkg/types"
)

// SplitThreshold is the combined principal+reward value at or above which
// BuildCoinstake splits the return into two stake outputs instead of one.
// Grounded on the historical PPCoin/Peercoin practice of splitting large
// coinstakes so a single validator's stake doesn't accrete into one
// ever-growing UTXO that dominates future kernel selection; config.
// UnstakeCooldown is the lock period that applies to whichever split
// output results (see config.UnstakeCooldown's doc comment).
const SplitThreshold = 1_000 * config.Coin

// MempoolSelector selects transactions for block inclusion. Mirrors
// internal/miner.MempoolSelector; duplicated locally to avoid an
// internal/stake -> internal/miner dependency neither side needs.
type MempoolSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// Assembler builds a complete block around a winning stake kernel.
type Assembler struct {
	Pool        MempoolSelector
	MaxBlockTxs int
}

// NewAssembler creates an assembler that pulls non-coinstake transactions
// from pool, reserving space for the coinstake transaction itself.
func NewAssembler(pool MempoolSelector) *Assembler {
	return &Assembler{Pool: pool, MaxBlockTxs: config.MaxBlockTxs}
}

// BuildCoinstake constructs the block-producing stake transaction: its
// first input spends the winning kernel UTXO, its first output is the
// zero-value coinstake marker. When principal+reward reaches
// SplitThreshold, the combined value follows as two stake-locked outputs
// and there is no separate reward output; otherwise the principal
// follows as one stake-locked output, then (if reward > 0) a P2PKH
// reward output paid to the same key's address.
func BuildCoinstake(winner Winner, signer *crypto.PrivateKey, reward uint64) (*tx.Transaction, error) {
	pub := signer.PublicKey()
	addr := crypto.AddressFromPubKey(pub)

	b := tx.NewBuilder().
		SetCoinstake(true).
		AddInput(types.Outpoint{TxID: winner.Candidate.TxID, Index: winner.Candidate.VOut}).
		AddOutput(0, types.Script{}) // Coinstake marker: empty first output.

	principal := winner.Candidate.Value
	combined := principal + reward
	if combined >= SplitThreshold {
		half := combined / 2
		b.AddOutput(half, types.Script{Type: types.ScriptTypeStake, Data: pub})
		b.AddOutput(combined-half, types.Script{Type: types.ScriptTypeStake, Data: pub})
	} else {
		b.AddOutput(principal, types.Script{Type: types.ScriptTypeStake, Data: pub})
		if reward > 0 {
			b.AddOutput(reward, types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]})
		}
	}

	built := b.Build()
	if err := signCoinstakeInput(built, signer); err != nil {
		return nil, err
	}
	return built, nil
}

// signCoinstakeInput signs the coinstake's sole input with the kernel
// owner's key, the same way Builder.Sign does for ordinary transactions.
func signCoinstakeInput(t *tx.Transaction, signer *crypto.PrivateKey) error {
	hash := t.Hash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign coinstake: %w", err)
	}
	pub := signer.PublicKey()
	for i := range t.Inputs {
		t.Inputs[i].Signature = sig
		t.Inputs[i].PubKey = pub
	}
	return nil
}

// SelectTransactions pulls mempool transactions for the block, leaving
// room for the coinstake, and canonically orders them by hash the same
// way block.Validate expects (ascending, coinbase/coinstake excluded from
// the sort since it always sits at index 0).
func (a *Assembler) SelectTransactions() []*tx.Transaction {
	limit := a.MaxBlockTxs - 1
	if limit < 0 {
		limit = 0
	}
	selected := a.Pool.SelectForBlock(limit)
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	return selected
}

// AssembleBlock runs the four-step assembly: build the coinstake,
// select mempool transactions, fill in the header, and sign directly
// with the kernel owner's key. The header's difficulty is posDifficulty,
// the difficulty divisor Prepare would have set for this height.
func (a *Assembler) AssembleBlock(prevHash types.Hash, height uint64, winner Winner, signer *crypto.PrivateKey, reward uint64, posDifficulty uint64) (*block.Block, error) {
	coinstake, err := BuildCoinstake(winner, signer, reward)
	if err != nil {
		return nil, fmt.Errorf("build coinstake: %w", err)
	}

	rest := a.SelectTransactions()
	txs := make([]*tx.Transaction, 0, 1+len(rest))
	txs = append(txs, coinstake)
	txs = append(txs, rest...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   prevHash,
		MerkleRoot: merkle,
		Timestamp:  uint64(winner.Time),
		Height:     height,
		Difficulty: posDifficulty,
	}

	hash := header.Hash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign header: %w", err)
	}
	pub := signer.PublicKey()
	bundled := make([]byte, 0, len(pub)+len(sig))
	bundled = append(bundled, pub...)
	bundled = append(bundled, sig...)
	header.ValidatorSig = bundled

	return block.NewBlock(header, txs), nil
}
