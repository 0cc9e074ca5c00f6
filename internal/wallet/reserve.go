package wallet

import (
	"fmt"
	"sync"

	"github.com/novastake/novastaked/config"
)

// Cent is the rounding unit reserve-balance amounts are quantized to.
const Cent = config.Coin / 100

// ReservePolicy enforces a floor balance the staking loop must keep
// liquid. Spendable subtracts outputs, smallest first, until the
// remaining cumulative value would drop below the reserve, matching the
// "smallest upward" rule: small UTXOs are reserved first so large ones
// stay available for actual spends.
type ReservePolicy struct {
	mu      sync.RWMutex
	enabled bool
	amount  uint64
}

// NewReservePolicy creates a disabled reserve policy (reserve = 0).
func NewReservePolicy() *ReservePolicy {
	return &ReservePolicy{}
}

// Set enables or disables the reserve and sets its floor amount, rounded
// down to the nearest Cent. A negative amount (represented here by the
// caller never passing one, since amount is unsigned) is rejected by the
// RPC layer before it reaches this type.
func (r *ReservePolicy) Set(enabled bool, amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	r.amount = (amount / Cent) * Cent
}

// Get returns the current reserve state.
func (r *ReservePolicy) Get() (enabled bool, amount uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled, r.amount
}

// Validate rejects reserve amounts a caller should never be able to set
// via the RPC layer (the JSON-RPC request carries amount as a decimal
// string; this exists so the handler has one place to enforce non-
// negativity once it has parsed that string into base units).
func (r *ReservePolicy) Validate(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reserve amount must not be negative")
	}
	return nil
}

// Apply filters utxos (assumed pre-sorted ascending by value, as
// Spendable produces) so their combined value never dips the wallet's
// liquid balance below the reserve floor. UTXOs are excluded starting
// from the smallest until the remaining total clears the reserve.
func (r *ReservePolicy) Apply(utxos []SpendableUTXO) []SpendableUTXO {
	r.mu.RLock()
	enabled, amount := r.enabled, r.amount
	r.mu.RUnlock()

	if !enabled || amount == 0 {
		return utxos
	}

	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	if total <= amount {
		return nil
	}

	toExclude := amount
	out := make([]SpendableUTXO, 0, len(utxos))
	for _, u := range utxos {
		if toExclude > 0 {
			if u.Value <= toExclude {
				toExclude -= u.Value
				continue
			}
			toExclude = 0
		}
		out = append(out, u)
	}
	return out
}
