package wallet

import (
	"sort"

	"github.com/novastake/novastaked/config"
	"github.com/novastake/novastaked/internal/utxo"
	"github.com/novastake/novastaked/pkg/types"
)

// SpendableUTXO is a wallet-owned output considered for coin selection or
// kernel evaluation, annotated with the chain state the caller's filters
// need (depth, maturity, watch-only).
type SpendableUTXO struct {
	Outpoint   types.Outpoint
	Value      uint64
	Script     types.Script
	Address    types.Address
	Height     uint64
	BlockTime  int64
	TxOffset   uint32
	Depth      uint64
	Coinbase   bool
	Coinstake  bool
	WatchOnly  bool
}

// AddressSource resolves which of a wallet's tracked addresses owns a
// UTXO, and whether that address is watch-only (no signer available).
// *Keystore doesn't itself track watch-only-ness today, so callers that
// need that distinction pass their own implementation; ordinary signing
// wallets can use OwnedAddresses.
type AddressSource interface {
	// Owns reports whether addr belongs to this wallet, and if so
	// whether it is watch-only (imported pubkey/address with no key).
	Owns(addr types.Address) (owned bool, watchOnly bool)
}

// OwnedAddresses is the simplest AddressSource: a fixed set of addresses
// all considered fully spendable (no watch-only addresses).
type OwnedAddresses map[types.Address]bool

// Owns implements AddressSource.
func (o OwnedAddresses) Owns(addr types.Address) (bool, bool) {
	return o[addr], false
}

// Spendable implements the wallet's UTXO view: every tracked output that
// is unspent, old enough, and not excluded by the watch-only flag or the
// reserve-balance policy. minDepth is the number of confirmations (tip
// height - output height + 1) required; coinbase and coinstake outputs
// additionally need config.CoinbaseMaturity confirmations regardless of
// minDepth. Iteration order is unspecified by the contract this
// implements, but callers that need a stable order (display, tests) get
// ascending-value order since that's also what reserve filtering needs.
func Spendable(store *utxo.Store, addrs AddressSource, tipHeight uint64, minDepth uint64, includeWatchOnly bool, reserve *ReservePolicy) ([]SpendableUTXO, error) {
	var out []SpendableUTXO

	err := store.ForEach(func(u *utxo.UTXO) error {
		owned, watchOnly := addrs.Owns(scriptOwner(u.Script))
		if !owned {
			return nil
		}
		if watchOnly && !includeWatchOnly {
			return nil
		}

		depth := uint64(0)
		if tipHeight >= u.Height {
			depth = tipHeight - u.Height + 1
		}

		requiredDepth := minDepth
		if u.Coinbase || u.IsCoinstake {
			if requiredDepth < config.CoinbaseMaturity {
				requiredDepth = config.CoinbaseMaturity
			}
		}
		if depth < requiredDepth {
			return nil
		}
		if u.LockedUntil > 0 && tipHeight < u.LockedUntil {
			return nil
		}

		out = append(out, SpendableUTXO{
			Outpoint:  u.Outpoint,
			Value:     u.Value,
			Script:    u.Script,
			Address:   scriptOwner(u.Script),
			Height:    u.Height,
			BlockTime: u.BlockTime,
			TxOffset:  u.TxOffset,
			Depth:     depth,
			Coinbase:  u.Coinbase,
			Coinstake: u.IsCoinstake,
			WatchOnly: watchOnly,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })

	if reserve != nil {
		out = reserve.Apply(out)
	}

	return out, nil
}

// scriptOwner extracts the address a script pays to, for script types
// that name one directly (P2PKH, stake-lock). Scripts this chain can't
// attribute to a single address return the zero address, which no
// AddressSource should ever report as owned.
func scriptOwner(s types.Script) types.Address {
	switch s.Type {
	case types.ScriptTypeP2PKH:
		var addr types.Address
		copy(addr[:], s.Data)
		return addr
	default:
		return types.Address{}
	}
}
