package wallet

import "sort"

// TxCategory classifies a wallet transaction record the way
// listtransactions reports it.
type TxCategory string

const (
	CategoryReceive  TxCategory = "receive"
	CategorySend     TxCategory = "send"
	CategoryGenerate TxCategory = "generate"
	CategoryStake    TxCategory = "stake"
)

// AllAccounts is the reserved account name meaning "every account
// combined". It must never be accepted where a caller asked for one
// specific account's ledger.
const AllAccounts = "*"

// Record is one entry in the merged wallet ledger: either a confirmed
// on-chain transaction affecting the wallet, or a manual accounting
// entry (a transfer between accounts that never touches the chain).
// OrderPos is a monotonically increasing global sequence number; the
// ledger is always read back in OrderPos order, never by timestamp,
// since timestamps aren't guaranteed unique or monotone across reorgs.
type Record struct {
	OrderPos          int64
	Account           string
	Category          TxCategory
	TxHash            string
	Amount            int64 // Signed: positive for credits, negative for debits.
	Fee               int64
	Height            uint64
	Confirmations     uint64
	InvolvesWatchonly bool
	Timestamp         int64
	Comment           string
	ToAddress         string
}

// ListTransactions implements the spec's listtransactions contract: walk
// the merged ledger in reverse OrderPos (newest first), restricted to
// account unless account is AllAccounts, skip the first `from` matches,
// take up to `count`, then return the result oldest-first.
func ListTransactions(records []Record, account string, count, from int) []Record {
	filtered := make([]Record, 0, len(records))
	for _, r := range records {
		if account != AllAccounts && r.Account != account {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].OrderPos > filtered[j].OrderPos })

	if from < 0 {
		from = 0
	}
	if from >= len(filtered) {
		return []Record{}
	}
	end := from + count
	if end > len(filtered) || count <= 0 {
		end = len(filtered)
	}
	page := filtered[from:end]

	// Reverse to oldest-first.
	out := make([]Record, len(page))
	for i, r := range page {
		out[len(page)-1-i] = r
	}
	return out
}

// ListSinceBlock implements the spec's listsinceblock contract: it
// returns every wallet transaction whose depth is below (bestHeight -
// sinceHeight + 1) — i.e. everything confirmed at or after the block
// named by sinceHeight. It does not use targetConfirms; the caller's new
// watermark height comes from LastBlockHeight. sinceHeight == 0 with no
// block given means "since genesis", matching an empty blockhash
// parameter.
func ListSinceBlock(records []Record, bestHeight, sinceHeight, targetConfirms uint64) []Record {
	threshold := bestHeight - sinceHeight + 1
	var out []Record
	for _, r := range records {
		depth := uint64(0)
		if bestHeight >= r.Height {
			depth = bestHeight - r.Height + 1
		}
		if depth < threshold {
			out = append(out, r)
		}
	}
	return out
}

// LastBlockHeight returns the height listsinceblock reports back as
// "lastblock": the tip minus the confirmation cushion the caller asked
// for, clamped to 0.
func LastBlockHeight(bestHeight, targetConfirms uint64) uint64 {
	if targetConfirms == 0 {
		targetConfirms = 1
	}
	if targetConfirms > bestHeight {
		return 0
	}
	return bestHeight - targetConfirms + 1
}
