// Package utxo manages the UTXO set.
package utxo

import "github.com/novastake/novastaked/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint    types.Outpoint `json:"outpoint"`
	Value       uint64         `json:"value"`
	Script      types.Script   `json:"script"`
	Height      uint64         `json:"height"`
	BlockTime   int64          `json:"block_time"`            // Timestamp of the block that created this output, used for coin-age.
	TxOffset    uint32         `json:"tx_offset,omitempty"`   // Position of the creating transaction within its block; stands in for the byte offset the stake kernel's original design hashes.
	Coinbase    bool           `json:"coinbase"`
	IsCoinstake bool           `json:"is_coinstake,omitempty"` // True if created by a coinstake transaction.
	Spent       bool           `json:"spent,omitempty"`        // Set when recorded as spent but retained for coin-age bookkeeping.
	LockedUntil uint64         `json:"locked_until,omitempty"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
