package rpc

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/novastake/novastaked/config"
	"github.com/novastake/novastaked/internal/consensus"
	"github.com/novastake/novastaked/internal/wallet"
	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/tx"
	"github.com/novastake/novastaked/pkg/types"
)

// legacyWalletName returns the wallet these single-session methods operate
// against, falling back to whatever is currently cached unlocked.
func (s *Server) legacyWalletName() (string, *Error) {
	if s.walletName != "" {
		return s.walletName, nil
	}
	if name, _, _, ok := s.session.active(); ok {
		return name, nil
	}
	return "", &Error{Code: CodeWalletError, Message: "no wallet loaded"}
}

// unlockedMaster returns the session's cached master key, failing with the
// bitcoind-style unlock-needed code when nothing is unlocked.
func (s *Server) unlockedMaster() (string, *wallet.HDKey, *Error) {
	name, master, _, ok := s.session.active()
	if !ok {
		return "", nil, &Error{Code: CodeWalletUnlockNeeded, Message: "wallet is locked; call walletpassphrase first"}
	}
	return name, master, nil
}

// parseAmount converts a decimal amount string (at most config.Decimals = 12
// fractional digits) to base units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}
	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}
	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}
	return result + frac, nil
}

func (s *Server) handleGetInfo(_ *Request) (interface{}, *Error) {
	now := time.Now().Unix()

	var posDiff float64
	header := &block.Header{Height: s.chain.Height() + 1}
	if pos, ok := s.engine.(*consensus.PoS); ok {
		if err := pos.Prepare(header); err == nil && header.Difficulty > 0 {
			posDiff = float64(header.Difficulty)
		}
	}

	var balance, stakeTotal uint64
	if err := s.requireWallet(); err == nil {
		if name, master, uErr := s.unlockedMaster(); uErr == nil {
			if wset, cErr := s.collectWalletUTXOs(master, name, s.utxos, s.chain.Height()); cErr == nil {
				balance = wset.spendableNative
				wset.zeroSigners()
			}
		}
	}

	connections := 0
	if s.p2pNode != nil {
		connections = len(s.p2pNode.PeerList())
	}

	return &GetInfoResult{
		Version: s.genesis.ChainID,
		Balance: formatAmount(balance),
		Stake:   formatAmount(stakeTotal),
		Newmint: formatAmount(s.genesis.Protocol.Consensus.BlockReward),
		Blocks:  s.chain.Height(),
		Timestamping: TimestampingInfo{
			SystemClock:  now,
			AdjustedTime: now,
		},
		Difficulty: DifficultyInfo{
			PoW: 0,
			PoS: posDiff,
		},
		MoneySupply: formatAmount(s.chain.Supply()),
		Connections: connections,
	}, nil
}

func (s *Server) handleGetNewAddress(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params GetNewAddressParam
	_ = parseParams(req, &params) // account is optional; missing params is fine.

	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}

	extIdx, idxErr := s.keystore.GetExternalIndex(name)
	if idxErr != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("get external index: %v", idxErr)}
	}
	nextIdx := extIdx
	if nextIdx == 0 {
		nextIdx = 1
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, nextIdx)
	if derErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	accountName := params.Account
	if accountName == "" {
		accountName = fmt.Sprintf("Address %d", nextIdx)
	}
	if err := s.keystore.AddAccount(name, wallet.AccountEntry{
		Index:   nextIdx,
		Name:    accountName,
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("add account: %v", err)}
	}
	if err := s.keystore.IncrementExternalIndex(name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update external index")
	}

	return addr.String(), nil
}

// walletAccounts returns the account entries for the legacy session's
// wallet, restricted to account when account != AllAccounts.
func (s *Server) walletAccounts(walletName, account string) ([]wallet.AccountEntry, *Error) {
	accounts, err := s.keystore.ListAccounts(walletName)
	if err != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("list accounts: %v", err)}
	}
	if account == "" || account == wallet.AllAccounts {
		return accounts, nil
	}
	filtered := make([]wallet.AccountEntry, 0, len(accounts))
	for _, a := range accounts {
		if a.Name == account {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// addressAccounts maps every known receive/change address to the account
// name that owns it, for attributing ledger records to accounts.
func addressAccounts(accounts []wallet.AccountEntry) map[string]string {
	out := make(map[string]string, len(accounts))
	for _, a := range accounts {
		out[a.Address] = a.Name
	}
	return out
}

func (s *Server) handleGetBalance(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params GetBalanceParam
	_ = parseParams(req, &params)
	if params.Account == "" {
		params.Account = wallet.AllAccounts
	}

	name, nameErr := s.legacyWalletName()
	if nameErr != nil {
		return nil, nameErr
	}

	accounts, aErr := s.walletAccounts(name, wallet.AllAccounts)
	if aErr != nil {
		return nil, aErr
	}
	addrSet := make(map[types.Address]bool, len(accounts))
	for _, a := range accounts {
		if addr, err := types.ParseAddress(a.Address); err == nil {
			addrSet[addr] = true
		}
	}
	if len(addrSet) == 0 {
		return formatAmount(0), nil
	}

	result, histErr := s.getHistoryFallback(addrSet, 1<<30, 0)
	if histErr != nil {
		return nil, histErr
	}
	history := result.(*WalletGetHistoryResult)
	owners := addressAccounts(accounts)
	records := make([]wallet.Record, len(history.Entries))
	for i, e := range history.Entries {
		records[i] = historyEntryToRecord(e, i, owners)
	}

	total := wallet.Balance(records, params.Account, params.MinConf, params.WatchOnly)
	return formatAmount(total), nil
}

// legacyOutput is one (address, amount) pair a send-family method pays out.
type legacyOutput struct {
	addr   types.Address
	amount uint64
}

// sendOutputs builds, signs, and broadcasts a transaction paying outputs
// from the legacy session's unlocked wallet, applying the session's
// reserve-balance policy to coin selection. It returns the new txid.
func (s *Server) sendOutputs(name string, master *wallet.HDKey, outputs []legacyOutput, comment string) (string, *Error) {
	if _, _, mintOnly, _ := s.session.active(); mintOnly {
		return "", &Error{Code: CodeWalletUnlockNeeded, Message: "wallet is unlocked for staking only"}
	}
	wset, collectErr := s.collectWalletUTXOs(master, name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return "", &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()

	native := filterNativeUTXOs(wset.utxos)
	native = s.applyReserveToCoins(native)
	if len(native) == 0 {
		return "", &Error{Code: CodeWalletInsufficientFd, Message: "no spendable funds after reserve balance"}
	}

	var total uint64
	for _, o := range outputs {
		total += o.amount
	}

	feeRate := s.genesis.Protocol.Consensus.MinFeeRate
	numOutputs := len(outputs) + 1
	fee := tx.EstimateTxFee(1, numOutputs, feeRate)
	selection, selErr := wallet.SelectCoins(native, total+fee)
	if selErr != nil {
		return "", &Error{Code: CodeWalletInsufficientFd, Message: fmt.Sprintf("coin selection: %v", selErr)}
	}
	fee = tx.EstimateTxFee(len(selection.Inputs), numOutputs, feeRate)
	if selection.Total < total+fee {
		selection, selErr = wallet.SelectCoins(native, total+fee)
		if selErr != nil {
			return "", &Error{Code: CodeWalletInsufficientFd, Message: fmt.Sprintf("coin selection: %v", selErr)}
		}
		fee = tx.EstimateTxFee(len(selection.Inputs), numOutputs, feeRate)
	}
	change := selection.Total - total - fee

	builder := tx.NewBuilder()
	for _, input := range selection.Inputs {
		builder.AddInput(input.Outpoint)
	}
	for _, o := range outputs {
		builder.AddOutput(o.amount, types.Script{Type: types.ScriptTypeP2PKH, Data: o.addr.Bytes()})
	}

	var changeIdx uint32
	var changeAddr types.Address
	if change > 0 {
		var chErr error
		changeIdx, chErr = s.keystore.GetChangeIndex(name)
		if chErr != nil {
			return "", &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("get change index: %v", chErr)}
		}
		changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
		if chKeyErr != nil {
			return "", &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
		}
		changeAddr = changeKey.Address()
		builder.AddOutput(change, types.Script{Type: types.ScriptTypeP2PKH, Data: changeAddr.Bytes()})
	}

	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return "", &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}
	transaction := builder.Build()

	if _, err := s.pool.Add(transaction); err != nil {
		return "", &Error{Code: CodeInvalidAddressOrKey, Message: fmt.Sprintf("rejected: %v", err)}
	}
	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
		}
	}

	if change > 0 {
		_ = s.keystore.AddAccount(name, wallet.AccountEntry{
			Index:   changeIdx,
			Change:  wallet.ChangeInternal,
			Name:    fmt.Sprintf("Change %d", changeIdx),
			Address: changeAddr.String(),
		})
		if err := s.keystore.IncrementChangeIndex(name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update change index")
		}
	}

	_ = comment // Comments are address-book metadata only; not persisted on-chain.
	return transaction.Hash().String(), nil
}

// applyReserveToCoins adapts wallet.UTXO (coin-selection's view) through
// the reserve policy (wallet.SpendableUTXO's view), which shares only the
// fields Apply needs: Outpoint and Value.
func (s *Server) applyReserveToCoins(native []wallet.UTXO) []wallet.UTXO {
	enabled, _ := s.session.reserve.Get()
	if !enabled {
		return native
	}
	asSpendable := make([]wallet.SpendableUTXO, len(native))
	for i, u := range native {
		asSpendable[i] = wallet.SpendableUTXO{Outpoint: u.Outpoint, Value: u.Value, Script: u.Script}
	}
	kept := s.session.reserve.Apply(asSpendable)
	keptSet := make(map[types.Outpoint]bool, len(kept))
	for _, u := range kept {
		keptSet[u.Outpoint] = true
	}
	out := make([]wallet.UTXO, 0, len(kept))
	for _, u := range native {
		if keptSet[u.Outpoint] {
			out = append(out, u)
		}
	}
	return out
}

func (s *Server) handleSendToAddress(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params SendToAddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, &Error{Code: CodeInvalidAddressOrKey, Message: addrErr.Message}
	}
	amount, amtErr := parseAmount(params.Amount)
	if amtErr != nil || amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid amount"}
	}

	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}
	return s.sendOutputs(name, master, []legacyOutput{{addr: addr, amount: amount}}, params.Comment)
}

func (s *Server) handleSendFrom(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params SendFromParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, &Error{Code: CodeInvalidAddressOrKey, Message: addrErr.Message}
	}
	amount, amtErr := parseAmount(params.Amount)
	if amtErr != nil || amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid amount"}
	}

	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}
	// fromaccount is accepted for API compatibility; this wallet has no
	// per-account UTXO partitioning, so funds are drawn from the whole wallet.
	return s.sendOutputs(name, master, []legacyOutput{{addr: addr, amount: amount}}, params.Comment)
}

func (s *Server) handleSendMany(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params SendManyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if len(params.Amounts) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "at least one recipient is required"}
	}

	seen := make(map[string]bool, len(params.Amounts))
	outputs := make([]legacyOutput, 0, len(params.Amounts))
	for addrStr, amtStr := range params.Amounts {
		if seen[addrStr] {
			return nil, &Error{Code: CodeInvalidAddressOrKey, Message: "duplicated address"}
		}
		seen[addrStr] = true
		addr, addrErr := decodeAddress(addrStr)
		if addrErr != nil {
			return nil, &Error{Code: CodeInvalidAddressOrKey, Message: addrErr.Message}
		}
		amount, amtErr := parseAmount(amtStr)
		if amtErr != nil || amount == 0 {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid amount for %s", addrStr)}
		}
		outputs = append(outputs, legacyOutput{addr: addr, amount: amount})
	}

	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}
	return s.sendOutputs(name, master, outputs, params.Comment)
}

func (s *Server) handleMergeCoins(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params MergeCoinsParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	amount, amtErr := parseAmount(params.Amount)
	minValue, minErr := parseAmount(params.MinValue)
	outputValue, outErr := parseAmount(params.OutputValue)
	if amtErr != nil || minErr != nil || outErr != nil || outputValue == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid amount, minvalue, or outputvalue"}
	}

	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}
	if _, _, mintOnly, _ := s.session.active(); mintOnly {
		return nil, &Error{Code: CodeWalletUnlockNeeded, Message: "wallet is unlocked for staking only"}
	}

	wset, collectErr := s.collectWalletUTXOs(master, name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()
	native := filterNativeUTXOs(wset.utxos)

	// Group small UTXOs (< minvalue) into outputvalue-sized sends to the
	// wallet's own next change address, up to the requested amount.
	var eligible []wallet.UTXO
	var eligibleTotal uint64
	for _, u := range native {
		if u.Value < minValue {
			eligible = append(eligible, u)
			eligibleTotal += u.Value
			if eligibleTotal >= amount {
				break
			}
		}
	}
	if len(eligible) < 2 {
		return nil, &Error{Code: CodeWalletError, Message: "not enough small coins to merge"}
	}

	var txids []string
	for eligibleTotal > 0 && len(eligible) >= 2 {
		batch := eligible
		eligible = nil
		var batchTotal uint64
		for _, u := range batch {
			batchTotal += u.Value
		}
		changeIdx, chErr := s.keystore.GetChangeIndex(name)
		if chErr != nil {
			return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("get change index: %v", chErr)}
		}
		changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
		if chKeyErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
		}
		changeAddr := changeKey.Address()

		feeRate := s.genesis.Protocol.Consensus.MinFeeRate
		fee := tx.EstimateTxFee(len(batch), 1, feeRate)
		payout := outputValue
		if batchTotal < fee+payout {
			payout = safeSub(batchTotal, fee)
		}
		if payout == 0 {
			break
		}

		builder := tx.NewBuilder()
		for _, u := range batch {
			builder.AddInput(u.Outpoint)
		}
		builder.AddOutput(payout, types.Script{Type: types.ScriptTypeP2PKH, Data: changeAddr.Bytes()})
		if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
		}
		transaction := builder.Build()
		if _, err := s.pool.Add(transaction); err != nil {
			return nil, &Error{Code: CodeInvalidAddressOrKey, Message: fmt.Sprintf("rejected: %v", err)}
		}
		if s.p2pNode != nil {
			if err := s.p2pNode.BroadcastTx(transaction); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
			}
		}
		_ = s.keystore.AddAccount(name, wallet.AccountEntry{
			Index:   changeIdx,
			Change:  wallet.ChangeInternal,
			Name:    fmt.Sprintf("Change %d", changeIdx),
			Address: changeAddr.String(),
		})
		if err := s.keystore.IncrementChangeIndex(name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update change index")
		}
		txids = append(txids, transaction.Hash().String())
		eligibleTotal = safeSub(eligibleTotal, batchTotal)
	}

	return &MergeCoinsResult{TxIDs: txids}, nil
}

func (s *Server) handleListTransactions(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params ListTransactionsParam
	_ = parseParams(req, &params)
	if params.Account == "" {
		params.Account = wallet.AllAccounts
	}
	if params.Count <= 0 {
		params.Count = 10
	}

	name, nameErr := s.legacyWalletName()
	if nameErr != nil {
		return nil, nameErr
	}

	accounts, aErr := s.walletAccounts(name, wallet.AllAccounts)
	if aErr != nil {
		return nil, aErr
	}
	addrSet := make(map[types.Address]bool, len(accounts))
	for _, a := range accounts {
		if addr, err := types.ParseAddress(a.Address); err == nil {
			addrSet[addr] = true
		}
	}
	if len(addrSet) == 0 {
		return []TxHistoryEntry{}, nil
	}

	result, histErr := s.getHistoryFallback(addrSet, 1<<30, 0)
	if histErr != nil {
		return nil, histErr
	}
	history := result.(*WalletGetHistoryResult)

	owners := addressAccounts(accounts)
	records := make([]wallet.Record, len(history.Entries))
	for i, e := range history.Entries {
		records[i] = historyEntryToRecord(e, i, owners)
	}

	page := wallet.ListTransactions(records, params.Account, params.Count, params.From)
	entries := make([]TxHistoryEntry, len(page))
	for i, r := range page {
		entries[i] = recordToHistoryEntry(r)
	}
	return entries, nil
}

func (s *Server) handleListSinceBlock(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params ListSinceBlockParam
	_ = parseParams(req, &params)
	if params.TargetConfirms == 0 {
		params.TargetConfirms = 1
	}

	name, nameErr := s.legacyWalletName()
	if nameErr != nil {
		return nil, nameErr
	}

	accounts, aErr := s.walletAccounts(name, wallet.AllAccounts)
	if aErr != nil {
		return nil, aErr
	}
	addrSet := make(map[types.Address]bool, len(accounts))
	for _, a := range accounts {
		if addr, err := types.ParseAddress(a.Address); err == nil {
			addrSet[addr] = true
		}
	}

	bestHeight := s.chain.Height()
	var sinceHeight uint64
	if params.BlockHash != "" {
		hashBytes, decErr := hex.DecodeString(params.BlockHash)
		if decErr != nil || len(hashBytes) != types.HashSize {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid blockhash"}
		}
		var hash types.Hash
		copy(hash[:], hashBytes)
		blk, err := s.chain.GetBlock(hash)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "block not found"}
		}
		sinceHeight = blk.Header.Height
	}

	result, histErr := s.getHistoryFallback(addrSet, 1<<30, 0)
	if histErr != nil {
		return nil, histErr
	}
	history := result.(*WalletGetHistoryResult)
	owners := addressAccounts(accounts)
	records := make([]wallet.Record, len(history.Entries))
	for i, e := range history.Entries {
		records[i] = historyEntryToRecord(e, i, owners)
	}

	since := wallet.ListSinceBlock(records, bestHeight, sinceHeight, params.TargetConfirms)
	entries := make([]TxHistoryEntry, len(since))
	for i, r := range since {
		entries[i] = recordToHistoryEntry(r)
	}

	lastHeight := wallet.LastBlockHeight(bestHeight, params.TargetConfirms)
	lastBlockHash := ""
	if blk, err := s.chain.GetBlockByHeight(lastHeight); err == nil {
		lastBlockHash = blk.Hash().String()
	}

	return &ListSinceBlockResult{Transactions: entries, LastBlock: lastBlockHash}, nil
}

// historyEntryToRecord adapts the existing scan-based TxHistoryEntry into
// wallet.Record so the accounting helpers in balance.go/accounting.go can
// operate on it. owners maps a wallet address to the account that owns
// it; receive-side entries are attributed to whichever of our own
// addresses the entry paid, since this wallet has no per-account UTXO
// partitioning for the send side.
func historyEntryToRecord(e TxHistoryEntry, orderPos int, owners map[string]string) wallet.Record {
	amount, _ := parseAmount(e.Amount)
	fee, _ := parseAmount(e.Fee)
	category := wallet.CategoryReceive
	signed := int64(amount)
	account := owners[e.To]
	switch e.Type {
	case "sent":
		category = wallet.CategorySend
		signed = -int64(amount)
		account = wallet.AllAccounts
	case "staked":
		category = wallet.CategoryStake
		signed = -int64(amount)
	case "unstaked":
		category = wallet.CategoryStake
	case "mined":
		category = wallet.CategoryGenerate
	}
	if account == "" {
		account = wallet.AllAccounts
	}
	confirmations := uint64(0)
	if e.Confirmed {
		confirmations = 1
	}
	return wallet.Record{
		OrderPos:      int64(orderPos),
		Account:       account,
		Category:      category,
		TxHash:        e.TxHash,
		Amount:        signed,
		Fee:           int64(fee),
		Height:        e.Height,
		Confirmations: confirmations,
		Timestamp:     int64(e.Timestamp),
		ToAddress:     e.To,
	}
}

// historyTypeByCategory reverses the Category mapping above back to the
// TxHistoryEntry.Type strings classifyTx produces.
func historyTypeByCategory(c wallet.TxCategory, amount int64) string {
	switch c {
	case wallet.CategorySend:
		return "sent"
	case wallet.CategoryGenerate:
		return "mined"
	case wallet.CategoryStake:
		if amount < 0 {
			return "staked"
		}
		return "unstaked"
	default:
		return "received"
	}
}

func recordToHistoryEntry(r wallet.Record) TxHistoryEntry {
	amount := r.Amount
	if amount < 0 {
		amount = -amount
	}
	return TxHistoryEntry{
		TxHash:    r.TxHash,
		Height:    r.Height,
		Timestamp: uint64(r.Timestamp),
		Type:      historyTypeByCategory(r.Category, r.Amount),
		Amount:    formatAmount(uint64(amount)),
		Fee:       formatAmount(uint64(r.Fee)),
		To:        r.ToAddress,
		Confirmed: r.Confirmations > 0,
	}
}

func (s *Server) handleWalletPassphrase(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params WalletPassphraseParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Passphrase == "" || params.Timeout <= 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "passphrase and timeout are required"}
	}

	name, nameErr := s.legacyWalletName()
	if nameErr != nil {
		return nil, nameErr
	}

	seed, loadErr := s.keystore.Load(name, []byte(params.Passphrase))
	if loadErr != nil {
		return nil, &Error{Code: CodeWalletWrongEncState, Message: "incorrect passphrase"}
	}
	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	s.session.unlock(name, master, time.Duration(params.Timeout)*time.Second, params.MintOnly)
	return nil, nil
}

func (s *Server) handleWalletPassphraseChange(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params WalletPassphraseChangeParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.OldPassphrase == "" || params.NewPassphrase == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "oldpassphrase and newpassphrase are required"}
	}

	name, nameErr := s.legacyWalletName()
	if nameErr != nil {
		return nil, nameErr
	}

	seed, loadErr := s.keystore.Load(name, []byte(params.OldPassphrase))
	if loadErr != nil {
		return nil, &Error{Code: CodeWalletWrongEncState, Message: "incorrect passphrase"}
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	if err := s.keystore.Delete(name); err != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("delete old wallet file: %v", err)}
	}
	if err := s.keystore.Create(name, seed, []byte(params.NewPassphrase), wallet.DefaultParams()); err != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("re-encrypt wallet: %v", err)}
	}

	s.session.lock()
	return nil, nil
}

func (s *Server) handleWalletLock(_ *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	s.session.lock()
	return nil, nil
}

func (s *Server) handleEncryptWallet(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params EncryptWalletParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Passphrase == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "passphrase is required"}
	}
	if names, _ := s.keystore.List(); len(names) > 0 {
		return nil, &Error{Code: CodeWalletWrongEncState, Message: "wallet is already encrypted"}
	}

	mnemonic, genErr := wallet.GenerateMnemonic()
	if genErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("generate mnemonic: %v", genErr)}
	}
	seed, seedErr := wallet.SeedFromMnemonic(mnemonic, "")
	if seedErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive seed: %v", seedErr)}
	}
	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}
	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if derErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	const name = "wallet"
	if err := s.keystore.Create(name, seed, []byte(params.Passphrase), wallet.DefaultParams()); err != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("create wallet: %v", err)}
	}
	for i := range seed {
		seed[i] = 0
	}
	_ = s.keystore.AddAccount(name, wallet.AccountEntry{Index: 0, Name: "Default", Address: addr.String()})
	s.SetDefaultWallet(name)

	// Bitcoind-style encryptwallet shuts the process down so the freshly
	// encrypted keys are reloaded clean on the next start.
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = s.Stop()
	}()

	return nil, nil
}

func (s *Server) handleReserveBalance(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	var params ReserveBalanceParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	amount, amtErr := parseAmount(params.Amount)
	if amtErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid amount"}
	}
	if err := s.session.reserve.Validate(int64(amount)); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	s.session.reserve.Set(params.Reserve, amount)
	enabled, actual := s.session.reserve.Get()
	return &ReserveBalanceResult{Reserve: enabled, Amount: formatAmount(actual)}, nil
}

func (s *Server) handleValidateAddress(req *Request) (interface{}, *Error) {
	var params ValidateAddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	addr, addrErr := types.ParseAddress(params.Address)
	if addrErr != nil {
		return &ValidateAddressResult{IsValid: false}, nil
	}

	result := &ValidateAddressResult{IsValid: true, Address: addr.String()}
	if s.keystore != nil {
		if name, nameErr := s.legacyWalletName(); nameErr == nil {
			if accounts, err := s.keystore.ListAccounts(name); err == nil {
				for _, a := range accounts {
					if a.Address == addr.String() {
						result.IsMine = true
						result.Account = a.Name
						break
					}
				}
			}
		}
	}
	return result, nil
}

func (s *Server) handleCheckWallet(_ *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}
	wset, collectErr := s.collectWalletUTXOs(master, name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()

	// Cross-check every UTXO this wallet believes it owns is still
	// present and unspent in the authoritative UTXO set.
	mismatched := 0
	var mismatchedAmount uint64
	for _, u := range wset.utxos {
		if _, err := s.utxos.Get(u.Outpoint); err != nil {
			mismatched++
			mismatchedAmount += u.Value
		}
	}

	return &CheckWalletResult{MismatchedSpent: mismatched, Amount: formatAmount(mismatchedAmount)}, nil
}

func (s *Server) handleResendWalletTransactions(_ *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	name, master, uErr := s.unlockedMaster()
	if uErr != nil {
		return nil, uErr
	}
	wset, collectErr := s.collectWalletUTXOs(master, name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeDatabaseError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	wset.zeroSigners()

	if s.p2pNode == nil {
		return &ResendWalletTransactionsResult{TxIDs: []string{}}, nil
	}

	var txids []string
	for _, h := range s.pool.Hashes() {
		t := s.pool.Get(h)
		if t == nil {
			continue
		}
		if walletOwnsTx(t, wset.addrByOutpoint) {
			if err := s.p2pNode.BroadcastTx(t); err == nil {
				txids = append(txids, t.Hash().String())
			}
		}
	}
	if txids == nil {
		txids = []string{}
	}
	return &ResendWalletTransactionsResult{TxIDs: txids}, nil
}

// walletOwnsTx reports whether any of the transaction's outputs pay one of
// the wallet's known addresses.
func walletOwnsTx(t *tx.Transaction, addrByOutpoint map[types.Outpoint]types.Address) bool {
	for _, out := range t.Outputs {
		addr := scriptToAddress(out.Script)
		if addr == nil {
			continue
		}
		for _, owned := range addrByOutpoint {
			if owned == *addr {
				return true
			}
		}
	}
	return false
}
