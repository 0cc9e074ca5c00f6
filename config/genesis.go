package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/novastake/novastaked/pkg/crypto"
	"github.com/novastake/novastaked/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// ConsensusPoS identifies the proof-of-stake consensus type. It is the only
// consensus type this chain supports; the field still exists in genesis so a
// future hard fork can introduce another one without reshaping the file.
const ConsensusPoS = "pos"

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase or coinstake output
// must wait before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// UnstakeCooldown is the number of blocks a coinstake's split return output
// is locked before it can be spent again as kernel input. Prevents an
// immediate re-stake of the same principal from inflating block frequency.
const UnstakeCooldown uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase + coinstake)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "NVS")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Type: only "pos" is currently supported.
	Type string `json:"type"`

	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// Kernel target (consensus-wide starting difficulty; adjusted per block
	// by the retarget rule, never read back from genesis after height 0).
	InitialStakeTarget uint64 `json:"initial_stake_target"`
	DifficultyAdjust   int    `json:"difficulty_adjust"` // Blocks between retarget windows

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block, before halving
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`               // Minimum fee rate (base units per byte of SigningBytes)

	// Proof-of-stake coin-age rules (see GLOSSARY: coin age).
	StakeMinAge       uint64 `json:"stake_min_age"`       // Seconds a UTXO must age before it can stake
	StakeMaxAge       uint64 `json:"stake_max_age"`       // Seconds after which further aging stops counting
	StakeTickInterval int    `json:"stake_tick_interval"` // Milliseconds between staking-loop attempts

	// ValidatorStake is the exact value every stake (ScriptTypeStake) output
	// must carry; the chain and the mempool reject other amounts.
	// 0 disables the stake-amount check.
	ValidatorStake uint64 `json:"validator_stake,omitempty"`
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for the testnet staking key.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetStakingPubKey is the compressed public key (hex) derived from TestnetMnemonic.
	TestnetStakingPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetStakingPrivKey is the private key (hex) derived from TestnetMnemonic.
	TestnetStakingPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is the address (bech32, tnvs) derived from TestnetMnemonic.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "tnvs13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "novastake-mainnet-1",
		ChainName: "Novastake Mainnet",
		Symbol:    "NVS",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Novastake Genesis",
		Alloc: map[string]uint64{
			"nvs1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin, // Genesis distribution allocation
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Type:               ConsensusPoS,
				BlockTime:          60, // 60 second target between blocks
				InitialStakeTarget: 0x1e0fffff,
				DifficultyAdjust:   10, // Retarget against the last 10 kernels
				BlockReward:        1 * Coin,
				MaxSupply:          21_000_000 * Coin,
				HalvingInterval:    0,      // Reward decays via coin-age, not halving
				MinFeeRate:         10_000, // base units per byte of SigningBytes
				StakeMinAge:        60 * 60 * 24,       // 1 day
				StakeMaxAge:        60 * 60 * 24 * 90,  // 90 days, aging caps here
				StakeTickInterval:  500,                // ms between staking-loop attempts
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "novastake-testnet-1"
	g.ChainName = "Novastake Testnet"
	g.ExtraData = "Novastake Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.MinFeeRate = 10             // very low, for testing
	g.Protocol.Consensus.StakeMinAge = 60            // 1 minute, so test stakes mature quickly
	g.Protocol.Consensus.StakeMaxAge = 60 * 60       // 1 hour

	// Testnet allocation: 200,000 NVS to the well-known testnet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.Type != ConsensusPoS {
		return fmt.Errorf("unknown consensus type: %s", g.Protocol.Consensus.Type)
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Protocol.Consensus.InitialStakeTarget == 0 {
		return fmt.Errorf("initial_stake_target must be positive")
	}

	if g.Protocol.Consensus.StakeMinAge == 0 {
		return fmt.Errorf("stake_min_age must be positive")
	}
	if g.Protocol.Consensus.StakeMaxAge < g.Protocol.Consensus.StakeMinAge {
		return fmt.Errorf("stake_max_age must be >= stake_min_age")
	}
	if g.Protocol.Consensus.StakeTickInterval <= 0 {
		return fmt.Errorf("stake_tick_interval must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
