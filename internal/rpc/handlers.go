package rpc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/novastake/novastaked/config"
	"github.com/novastake/novastaked/internal/consensus"
	"github.com/novastake/novastaked/internal/miner"
	"github.com/novastake/novastaked/internal/utxo"
	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/crypto"
	"github.com/novastake/novastaked/pkg/tx"
	"github.com/novastake/novastaked/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	return &ChainInfoResult{
		ChainID: s.genesis.ChainID,
		Symbol:  s.genesis.Symbol,
		Height:  s.chain.Height(),
		TipHash: s.chain.TipHash().String(),
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	hashBytes, decErr := hex.DecodeString(params.Hash)
	if decErr != nil || len(hashBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	var hash types.Hash
	copy(hash[:], hashBytes)

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	blk, err := s.chain.GetBlockByHeight(params.Height)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d: %v", params.Height, err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetTransaction(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	hashBytes, decErr := hex.DecodeString(params.Hash)
	if decErr != nil || len(hashBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	var txHash types.Hash
	copy(txHash[:], hashBytes)

	// Check mempool first.
	if t := s.pool.Get(txHash); t != nil {
		return NewTxResult(t), nil
	}

	// Lookup via transaction index.
	t, err := s.chain.GetTransaction(txHash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
	}
	return NewTxResult(t), nil
}

// ── UTXO endpoints ──────────────────────────────────────────────────────

func (s *Server) handleUTXOGet(req *Request) (interface{}, *Error) {
	var params OutpointParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.TxID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "tx_id is required"}
	}

	txIDBytes, decErr := hex.DecodeString(params.TxID)
	if decErr != nil || len(txIDBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid tx_id: must be 32-byte hex"}
	}

	var op types.Outpoint
	copy(op.TxID[:], txIDBytes)
	op.Index = params.Index

	u, err := s.utxos.Get(op)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("utxo not found: %v", err)}
	}
	return u, nil
}

func (s *Server) handleUTXOGetByAddress(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}

	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, addrErr
	}

	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}

	return &UTXOListResult{
		Address: params.Address,
		UTXOs:   utxos,
	}, nil
}

func (s *Server) handleUTXOGetBalance(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}

	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, addrErr
	}

	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}

	// Stake UTXOs are indexed by pubkey, not address. Look up any stakes
	// belonging to this address by scanning validator pubkeys.
	stakeUTXOs, _ := stakesByAddress(s.utxos, addr)
	utxos = append(utxos, stakeUTXOs...)

	chainHeight := s.chain.Height()
	result := classifyUTXOs(utxos, chainHeight)
	result.Address = params.Address

	return result, nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	_, err := s.pool.Add(params.Transaction)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(params.Transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
		}
	}

	return &TxSubmitResult{
		TxHash: params.Transaction.Hash().String(),
	}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	adapter := miner.NewUTXOAdapter(s.utxos)
	fee, err := params.Transaction.ValidateWithUTXOs(adapter)
	if err != nil {
		return &TxValidateResult{
			Valid: false,
			Error: err.Error(),
		}, nil
	}

	return &TxValidateResult{
		Valid: true,
		Fee:   fee,
	}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(_ *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:      s.pool.Count(),
		MinFeeRate: s.pool.MinFeeRate(),
	}, nil
}

func (s *Server) handleMempoolGetContent(_ *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}
	return &MempoolContentResult{
		Hashes: hexHashes,
	}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}

// ── Staking endpoints ────────────────────────────────────────────────

func (s *Server) handleStakeGetInfo(req *Request) (interface{}, *Error) {
	var params PubKeyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.PubKey == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "pubkey is required"}
	}

	pubKeyBytes, err := hex.DecodeString(params.PubKey)
	if err != nil || len(pubKeyBytes) != 33 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid pubkey: must be 33-byte compressed hex"}
	}

	minStake := s.genesis.Protocol.Consensus.ValidatorStake

	// Check if pubkey is a genesis validator.
	isGenesis := false
	if poa, ok := s.engine.(*consensus.PoA); ok {
		for _, v := range poa.Validators {
			if hex.EncodeToString(v) == params.PubKey {
				isGenesis = poa.IsGenesisValidator(v)
				break
			}
		}
	}

	// Query stake UTXOs.
	stakes, stakeErr := s.utxos.GetStakes(pubKeyBytes)
	if stakeErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get stakes: %v", stakeErr)}
	}

	var totalStake uint64
	for _, st := range stakes {
		totalStake += st.Value
	}

	sufficient := isGenesis
	if !sufficient && minStake > 0 {
		sufficient = totalStake >= minStake
	}

	return &StakeInfoResult{
		PubKey:     params.PubKey,
		TotalStake: totalStake,
		MinStake:   minStake,
		Sufficient: sufficient,
		IsGenesis:  isGenesis,
	}, nil
}

func (s *Server) handleStakeGetValidators(_ *Request) (interface{}, *Error) {
	minStake := s.genesis.Protocol.Consensus.ValidatorStake

	poa, ok := s.engine.(*consensus.PoA)
	if !ok {
		return &ValidatorsResult{MinStake: minStake, Validators: []ValidatorEntry{}}, nil
	}

	entries := make([]ValidatorEntry, len(poa.Validators))
	for i, v := range poa.Validators {
		entries[i] = ValidatorEntry{
			PubKey:    hex.EncodeToString(v),
			IsGenesis: poa.IsGenesisValidator(v),
		}
	}

	return &ValidatorsResult{
		MinStake:   minStake,
		Validators: entries,
	}, nil
}

// ── Validator status endpoints ───────────────────────────────────────

func (s *Server) handleValidatorGetStatus(req *Request) (interface{}, *Error) {
	if s.tracker == nil {
		return nil, &Error{Code: CodeInternalError, Message: "validator tracker not enabled"}
	}
	poa, _ := s.engine.(*consensus.PoA)
	if poa == nil {
		return &ValidatorStatusListResult{Validators: []ValidatorStatusResult{}}, nil
	}

	// Optional pubkey filter.
	var params struct {
		PubKey string `json:"pubkey"`
	}
	if req.Params != nil {
		parseParams(req, &params)
	}

	if params.PubKey != "" {
		pubBytes, err := hex.DecodeString(params.PubKey)
		if err != nil || len(pubBytes) != 33 {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid pubkey: must be 33-byte hex"}
		}

		result := buildValidatorStatus(s.tracker, poa, pubBytes)
		return &ValidatorStatusListResult{
			Validators: []ValidatorStatusResult{result},
		}, nil
	}

	// Return all validators.
	results := make([]ValidatorStatusResult, len(poa.Validators))
	for i, v := range poa.Validators {
		results[i] = buildValidatorStatus(s.tracker, poa, v)
	}

	return &ValidatorStatusListResult{Validators: results}, nil
}

func buildValidatorStatus(tracker *consensus.ValidatorTracker, poa *consensus.PoA, pubKey []byte) ValidatorStatusResult {
	result := ValidatorStatusResult{
		PubKey:    hex.EncodeToString(pubKey),
		IsGenesis: poa.IsGenesisValidator(pubKey),
		IsOnline:  tracker.IsOnline(pubKey),
	}

	stats := tracker.GetStats(pubKey)
	if stats != nil {
		if !stats.LastHeartbeat.IsZero() {
			result.LastHeartbeat = stats.LastHeartbeat.Unix()
		}
		if !stats.LastBlock.IsZero() {
			result.LastBlock = stats.LastBlock.Unix()
		}
		result.BlockCount = stats.BlockCount
		result.MissedCount = stats.MissedCount
	}

	return result
}

// ── Mining endpoints ─────────────────────────────────────────────────
//
// These serve only a node whose engine is consensus.PoW; a PoS-secured
// chain produces its own blocks via the node's internal staking loop
// (internal/stake.Loop, started from internal/node) and does not need
// external templates.

func (s *Server) handleMiningGetBlockTemplate(req *Request) (interface{}, *Error) {
	var params MiningGetBlockTemplateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.CoinbaseAddress == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "coinbase_address is required"}
	}

	pow, ok := s.engine.(*consensus.PoW)
	if !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: "node does not use PoW consensus"}
	}

	coinbaseAddr, addrErr := decodeAddress(params.CoinbaseAddress)
	if addrErr != nil {
		return nil, addrErr
	}

	// Build block template (same as miner.ProduceBlock, but skip Seal).
	var selected []*tx.Transaction
	var totalFees uint64
	if s.pool != nil {
		selected = s.pool.SelectForBlock(499) // Reserve slot for coinbase.
		for _, t := range selected {
			totalFees += s.pool.GetFee(t.Hash())
		}
	}

	// Cap block reward to not exceed max supply.
	reward := s.genesis.Protocol.Consensus.BlockReward
	maxSupply := s.genesis.Protocol.Consensus.MaxSupply
	if maxSupply > 0 {
		currentSupply := s.chain.Supply()
		if currentSupply >= maxSupply {
			reward = 0
		} else if currentSupply+reward > maxSupply {
			reward = maxSupply - currentSupply
		}
	}

	// Sort non-coinbase transactions by hash ascending (canonical order).
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	height := s.chain.Height() + 1
	coinbaseTx := miner.BuildCoinbase(coinbaseAddr, reward+totalFees, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbaseTx)
	txs = append(txs, selected...)

	// Compute merkle root.
	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	// Ensure monotonic: template timestamp must be strictly after parent.
	// External miners may also bump the timestamp themselves; ProcessBlock
	// accepts any timestamp that is >= parent and <= now+2min.
	timestamp := uint64(time.Now().Unix())
	if parentTS := s.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   s.chain.TipHash(),
		MerkleRoot: merkle,
		Timestamp:  timestamp,
		Height:     height,
	}

	if err := pow.Prepare(header); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("prepare header: %v", err)}
	}

	blk := block.NewBlock(header, txs)

	// Compute target: maxUint256 / difficulty, formatted as 64-char hex.
	targetInt := new(big.Int).Div(
		new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)),
		new(big.Int).SetUint64(header.Difficulty),
	)
	targetHex := fmt.Sprintf("%064x", targetInt)

	return &MiningBlockTemplateResult{
		Block:      blk,
		Target:     targetHex,
		Difficulty: header.Difficulty,
		Height:     height,
		PrevHash:   s.chain.TipHash().String(),
	}, nil
}

func (s *Server) handleMiningSubmitBlock(req *Request) (interface{}, *Error) {
	var params MiningSubmitBlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Block == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "block is required"}
	}

	if _, ok := s.engine.(*consensus.PoW); !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: "node does not use PoW consensus"}
	}

	if err := s.chain.ProcessBlock(params.Block); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("block rejected: %v", err)}
	}

	s.pool.RemoveConfirmed(params.Block.Transactions)

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastBlock(params.Block); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast block")
		}
	}

	blockHash := params.Block.Header.Hash()
	return &MiningSubmitBlockResult{
		BlockHash: blockHash.String(),
		Height:    params.Block.Header.Height,
	}, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

// stakesByAddress returns all stake UTXOs whose pubkey maps to the given address.
// Stake UTXOs are indexed by pubkey (not address), so we scan all staked
// validator pubkeys and derive the address for each to find a match.
func stakesByAddress(store *utxo.Store, addr types.Address) ([]*utxo.UTXO, error) {
	validators, err := store.GetAllStakedValidators()
	if err != nil {
		return nil, err
	}
	for _, pubKey := range validators {
		if crypto.AddressFromPubKey(pubKey) == addr {
			return store.GetStakes(pubKey)
		}
	}
	return nil, nil
}

// classifyUTXOs categorizes UTXOs into spendable, immature, staked, and locked.
func classifyUTXOs(utxos []*utxo.UTXO, chainHeight uint64) *BalanceResult {
	var spendable, immature, staked, locked uint64
	for _, u := range utxos {
		switch {
		case u.Script.Type == types.ScriptTypeStake:
			staked += u.Value
		case u.Coinbase && (chainHeight < u.Height || chainHeight-u.Height < config.CoinbaseMaturity):
			immature += u.Value
		case u.LockedUntil > 0 && chainHeight < u.LockedUntil:
			locked += u.Value
		default:
			spendable += u.Value
		}
	}
	total := spendable + immature + staked + locked
	return &BalanceResult{
		Balance:   total,
		Spendable: spendable,
		Immature:  immature,
		Staked:    staked,
		Locked:    locked,
	}
}

func decodeAddress(s string) (types.Address, *Error) {
	addr, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, &Error{Code: CodeInvalidParams, Message: "invalid address: " + err.Error()}
	}
	return addr, nil
}
