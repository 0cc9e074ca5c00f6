package rpc

import (
	"github.com/novastake/novastaked/internal/utxo"
	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/tx"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000

	// Legacy wallet error codes, carried over from the bitcoind-style RPC
	// taxonomy the getinfo/sendtoaddress/... method table assumes.
	CodeWalletError          = -4
	CodeInvalidAddressOrKey  = -5
	CodeWalletInsufficientFd = -6
	CodeDatabaseError        = -20
	CodeWalletUnlockNeeded   = -13
	CodeWalletWrongEncState  = -15
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// OutpointParam is used by utxo_get.
type OutpointParam struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

// AddressParam is used by utxo_getByAddress and utxo_getBalance.
type AddressParam struct {
	Address string `json:"address"`
}

// TxSubmitParam is used by tx_submit and tx_validate.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// ── Block/Tx result types ───────────────────────────────────────────────

// BlockResult wraps a block with its precomputed hash for RPC responses.
type BlockResult struct {
	Hash         string        `json:"hash"`
	Header       *block.Header `json:"header"`
	Transactions []*TxResult   `json:"transactions"`
}

// TxResult wraps a transaction with its precomputed hash for RPC responses.
type TxResult struct {
	Hash     string      `json:"hash"`
	Version  uint32      `json:"version"`
	Inputs   []tx.Input  `json:"inputs"`
	Outputs  []tx.Output `json:"outputs"`
	LockTime uint64      `json:"locktime"`
}

// NewBlockResult creates a BlockResult from a block, precomputing all hashes.
func NewBlockResult(b *block.Block) *BlockResult {
	txResults := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txResults[i] = NewTxResult(t)
	}
	return &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: txResults,
	}
}

// NewTxResult creates a TxResult from a transaction, precomputing its hash.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:     t.Hash().String(),
		Version:  t.Version,
		Inputs:   t.Inputs,
		Outputs:  t.Outputs,
		LockTime: t.LockTime,
	}
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID string `json:"chain_id"`
	Symbol  string `json:"symbol,omitempty"`
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// BalanceResult is returned by utxo_getBalance.
type BalanceResult struct {
	Address   string `json:"address"`
	Balance   uint64 `json:"balance"`   // Total across all categories
	Spendable uint64 `json:"spendable"` // Mature, unlocked, P2PKH
	Immature  uint64 `json:"immature"`  // Coinbase not yet matured
	Staked    uint64 `json:"staked"`    // ScriptTypeStake UTXOs
	Locked    uint64 `json:"locked"`    // Unstake cooldown (LockedUntil > height)
}

// UTXOListResult is returned by utxo_getByAddress.
type UTXOListResult struct {
	Address string       `json:"address"`
	UTXOs   []*utxo.UTXO `json:"utxos"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool   `json:"valid"`
	Fee   uint64 `json:"fee,omitempty"`
	Error string `json:"error,omitempty"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count  int    `json:"count"`
	MinFeeRate uint64 `json:"min_fee_rate"`
}

// MempoolContentResult is returned by mempool_getContent.
type MempoolContentResult struct {
	Hashes []string `json:"hashes"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// PubKeyParam is used by stake endpoints that take a public key.
type PubKeyParam struct {
	PubKey string `json:"pubkey"`
}

// StakeInfoResult is returned by stake_getInfo.
type StakeInfoResult struct {
	PubKey     string `json:"pubkey"`
	TotalStake uint64 `json:"total_stake"`
	MinStake   uint64 `json:"min_stake"`
	Sufficient bool   `json:"sufficient"`
	IsGenesis  bool   `json:"is_genesis"`
}

// ValidatorEntry describes a single validator in the list.
type ValidatorEntry struct {
	PubKey    string `json:"pubkey"`
	IsGenesis bool   `json:"is_genesis"`
}

// ValidatorsResult is returned by stake_getValidators.
type ValidatorsResult struct {
	MinStake   uint64           `json:"min_stake"`
	Validators []ValidatorEntry `json:"validators"`
}

// ── Wallet param types ──────────────────────────────────────────────────

// WalletCreateParam is used by wallet_create.
type WalletCreateParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletImportParam is used by wallet_import.
type WalletImportParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Mnemonic string `json:"mnemonic"`
}

// WalletUnlockParam is used by endpoints that need wallet name + password.
type WalletUnlockParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletNewAddressParam is used by wallet_newAddress.
type WalletNewAddressParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletSendParam is used by wallet_send.
type WalletSendParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	To       string `json:"to"`
	Amount   uint64 `json:"amount"`
}

// WalletExportKeyParam is used by wallet_exportKey.
type WalletExportKeyParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Account  uint32 `json:"account"`
	Index    uint32 `json:"index"`
}

// WalletStakeParam is used by wallet_stake.
type WalletStakeParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Amount   uint64 `json:"amount"` // Stake amount in base units.
}

// ── Wallet result types ─────────────────────────────────────────────────

// WalletCreateResult is returned by wallet_create.
type WalletCreateResult struct {
	Mnemonic string `json:"mnemonic"`
	Address  string `json:"address"`
}

// WalletImportResult is returned by wallet_import.
type WalletImportResult struct {
	Address string `json:"address"`
}

// WalletListResult is returned by wallet_list.
type WalletListResult struct {
	Wallets []string `json:"wallets"`
}

// WalletAddressResult is returned by wallet_newAddress.
type WalletAddressResult struct {
	Index   uint32 `json:"index"`
	Address string `json:"address"`
}

// WalletAddressListResult is returned by wallet_listAddresses.
type WalletAddressListResult struct {
	Accounts []WalletAccountEntry `json:"accounts"`
}

// WalletAccountEntry describes a wallet account in RPC results.
type WalletAccountEntry struct {
	Index   uint32 `json:"index"`
	Change  uint32 `json:"change"` // 0=external, 1=internal
	Name    string `json:"name"`
	Address string `json:"address"`
}

// WalletSendResult is returned by wallet_send.
type WalletSendResult struct {
	TxHash string `json:"tx_hash"`
}

// WalletConsolidateParam is used by wallet_consolidate.
type WalletConsolidateParam struct {
	Name      string `json:"name"`
	Password  string `json:"password"`
	MaxInputs uint32 `json:"max_inputs,omitempty"` // Max inputs to merge in one tx (default: 500)
}

// WalletConsolidateResult is returned by wallet_consolidate.
type WalletConsolidateResult struct {
	TxHash       string `json:"tx_hash"`
	InputsUsed   uint32 `json:"inputs_used"`
	InputTotal   uint64 `json:"input_total"`
	OutputAmount uint64 `json:"output_amount"`
	Fee          uint64 `json:"fee"`
}

// Recipient is a single output in a sendMany transaction.
type Recipient struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// WalletSendManyParam is used by wallet_sendMany.
type WalletSendManyParam struct {
	Name       string      `json:"name"`
	Password   string      `json:"password"`
	Recipients []Recipient `json:"recipients"`
}

// WalletSendManyResult is returned by wallet_sendMany.
type WalletSendManyResult struct {
	TxHash string `json:"tx_hash"`
}

// WalletExportKeyResult is returned by wallet_exportKey.
type WalletExportKeyResult struct {
	PrivateKey string `json:"private_key"`
	PubKey     string `json:"pubkey"`
	Address    string `json:"address"`
}

// WalletStakeResult is returned by wallet_stake.
type WalletStakeResult struct {
	TxHash string `json:"tx_hash"`
	PubKey string `json:"pubkey"`
}

// WalletUnstakeParam is used by wallet_unstake.
type WalletUnstakeParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletUnstakeResult is returned by wallet_unstake.
type WalletUnstakeResult struct {
	TxHash string `json:"tx_hash"`
	Amount uint64 `json:"amount"`
	PubKey string `json:"pubkey"`
}

// ── Validator status result types ────────────────────────────────────────

// ValidatorStatusResult is returned by validator_getStatus.
type ValidatorStatusResult struct {
	PubKey        string `json:"pubkey"`
	IsOnline      bool   `json:"is_online"`
	LastHeartbeat int64  `json:"last_heartbeat"` // unix timestamp, 0 if never
	LastBlock     int64  `json:"last_block"`     // unix timestamp, 0 if never
	BlockCount    uint64 `json:"block_count"`
	MissedCount   uint64 `json:"missed_count"`
	IsGenesis     bool   `json:"is_genesis"`
}

// ValidatorStatusListResult is returned by validator_getStatus (no params).
type ValidatorStatusListResult struct {
	Validators []ValidatorStatusResult `json:"validators"`
}

// ── Mining param/result types ────────────────────────────────────────────

// MiningGetBlockTemplateParam is used by mining_getBlockTemplate.
type MiningGetBlockTemplateParam struct {
	CoinbaseAddress string `json:"coinbase_address"`
}

// MiningBlockTemplateResult is returned by mining_getBlockTemplate.
type MiningBlockTemplateResult struct {
	Block      *block.Block `json:"block"`      // Full block (nonce=0, ready to mine)
	Target     string       `json:"target"`     // Hex-encoded 256-bit target (hash must be <= this)
	Difficulty uint64       `json:"difficulty"` // Numeric difficulty
	Height     uint64       `json:"height"`     // Block height
	PrevHash   string       `json:"prev_hash"`  // Previous block hash (hex)
}

// MiningSubmitBlockParam is used by mining_submitBlock.
type MiningSubmitBlockParam struct {
	Block *block.Block `json:"block"`
}

// MiningSubmitBlockResult is returned by mining_submitBlock.
type MiningSubmitBlockResult struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
}

// ── Wallet history param/result types ────────────────────────────────────

// WalletGetHistoryParam is used by wallet_getHistory.
type WalletGetHistoryParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// TxHistoryEntry describes a single transaction in wallet history.
type TxHistoryEntry struct {
	TxHash    string `json:"tx_hash"`
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// WalletGetHistoryResult is returned by wallet_getHistory.
type WalletGetHistoryResult struct {
	Total   int              `json:"total"`
	Entries []TxHistoryEntry `json:"entries"`
}

// WalletRescanParam is used by wallet_rescan.
type WalletRescanParam struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	FromHeight  uint64 `json:"from_height,omitempty"`
	DeriveLimit uint32 `json:"derive_limit,omitempty"` // Optional max address index to derive during scan.
}

// WalletRescanResult is returned by wallet_rescan.
type WalletRescanResult struct {
	AddressesFound int    `json:"addresses_found"`
	AddressesNew   int    `json:"addresses_new"`
	FromHeight     uint64 `json:"from_height"`
	ToHeight       uint64 `json:"to_height"`
}

// ── Legacy single-session wallet RPC types ─────────────────────────────

// TimestampingInfo reports clock sources as surfaced by getinfo.
type TimestampingInfo struct {
	SystemClock  int64 `json:"systemclock"`
	AdjustedTime int64 `json:"adjustedtime"`
	NTPOffset    int64 `json:"ntpoffset"`
	P2POffset    int64 `json:"p2poffset"`
}

// DifficultyInfo reports PoW/PoS difficulty as surfaced by getinfo.
type DifficultyInfo struct {
	PoW float64 `json:"pow"`
	PoS float64 `json:"pos"`
}

// GetInfoResult is returned by getinfo.
type GetInfoResult struct {
	Version      string            `json:"version"`
	Balance      string            `json:"balance"`
	Stake        string            `json:"stake"`
	Newmint      string            `json:"newmint"`
	Blocks       uint64            `json:"blocks"`
	Timestamping TimestampingInfo  `json:"timestamping"`
	Difficulty   DifficultyInfo    `json:"difficulty"`
	MoneySupply  string            `json:"moneysupply"`
	Connections  int               `json:"connections"`
	Errors       string            `json:"errors"`
}

// GetNewAddressParam is used by getnewaddress.
type GetNewAddressParam struct {
	Account string `json:"account"`
}

// GetBalanceParam is used by getbalance.
type GetBalanceParam struct {
	Account   string `json:"account"`
	MinConf   uint64 `json:"minconf"`
	WatchOnly bool   `json:"watchonly"`
}

// SendToAddressParam is used by sendtoaddress.
type SendToAddressParam struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Comment string `json:"comment,omitempty"`
	CommentTo string `json:"commentto,omitempty"`
}

// SendFromParam is used by sendfrom.
type SendFromParam struct {
	FromAccount string `json:"fromaccount"`
	Address     string `json:"toaddress"`
	Amount      string `json:"amount"`
	MinConf     uint64 `json:"minconf"`
	Comment     string `json:"comment,omitempty"`
	CommentTo   string `json:"commentto,omitempty"`
}

// SendManyParam is used by sendmany.
type SendManyParam struct {
	FromAccount string            `json:"fromaccount"`
	Amounts     map[string]string `json:"amounts"`
	MinConf     uint64            `json:"minconf"`
	Comment     string            `json:"comment,omitempty"`
}

// MergeCoinsParam is used by mergecoins.
type MergeCoinsParam struct {
	Amount      string `json:"amount"`
	MinValue    string `json:"minvalue"`
	OutputValue string `json:"outputvalue"`
}

// MergeCoinsResult is returned by mergecoins.
type MergeCoinsResult struct {
	TxIDs []string `json:"txids"`
}

// ListTransactionsParam is used by listtransactions.
type ListTransactionsParam struct {
	Account   string `json:"account"`
	Count     int    `json:"count"`
	From      int    `json:"from"`
	WatchOnly bool   `json:"watchonly"`
}

// ListSinceBlockParam is used by listsinceblock.
type ListSinceBlockParam struct {
	BlockHash      string `json:"blockhash"`
	TargetConfirms uint64 `json:"targetconfirms"`
	WatchOnly      bool   `json:"watchonly"`
}

// ListSinceBlockResult is returned by listsinceblock.
type ListSinceBlockResult struct {
	Transactions []TxHistoryEntry `json:"transactions"`
	LastBlock    string           `json:"lastblock"`
}

// WalletPassphraseParam is used by walletpassphrase.
type WalletPassphraseParam struct {
	Passphrase string `json:"passphrase"`
	Timeout    int64  `json:"timeout"`
	MintOnly   bool   `json:"mintonly"`
}

// WalletPassphraseChangeParam is used by walletpassphrasechange.
type WalletPassphraseChangeParam struct {
	OldPassphrase string `json:"oldpassphrase"`
	NewPassphrase string `json:"newpassphrase"`
}

// EncryptWalletParam is used by encryptwallet.
type EncryptWalletParam struct {
	Passphrase string `json:"passphrase"`
}

// ReserveBalanceParam is used by reservebalance.
type ReserveBalanceParam struct {
	Reserve bool   `json:"reserve"`
	Amount  string `json:"amount"`
}

// ReserveBalanceResult is returned by reservebalance.
type ReserveBalanceResult struct {
	Reserve bool   `json:"reserve"`
	Amount  string `json:"amount"`
}

// ValidateAddressParam is used by validateaddress.
type ValidateAddressParam struct {
	Address string `json:"address"`
}

// ValidateAddressResult is returned by validateaddress.
type ValidateAddressResult struct {
	IsValid bool   `json:"isvalid"`
	IsMine  bool   `json:"ismine"`
	Account string `json:"account,omitempty"`
	Address string `json:"address,omitempty"`
}

// CheckWalletResult is returned by checkwallet/repairwallet.
type CheckWalletResult struct {
	MismatchedSpent int    `json:"mismatchedspent"`
	Amount          string `json:"amount"`
}

// ResendWalletTransactionsResult is returned by resendwallettransactions.
type ResendWalletTransactionsResult struct {
	TxIDs []string `json:"txids"`
}
