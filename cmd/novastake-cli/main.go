// novastake-cli is a command-line client for interacting with a novastaked node.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/novastake/novastaked/config"
	"github.com/novastake/novastaked/internal/rpc"
	"github.com/novastake/novastaked/internal/rpcclient"
	"github.com/novastake/novastaked/internal/wallet"
	"github.com/novastake/novastaked/pkg/types"
	"golang.org/x/term"
)

// keystoreDir returns the keystore path matching novastaked's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8545"
	dataDir := defaultDataDir()
	network := "mainnet"

	// Scan for --rpc, --datadir, and --network before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	// Set address HRP based on network.
	if network == "testnet" {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs, ksDir, rpcURL)
	case "send":
		cmdSend(cmdArgs, ksDir, rpcURL)
	case "sendmany":
		cmdSendMany(cmdArgs, ksDir, rpcURL)
	case "balance":
		cmdBalance(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "wallet":
		cmdWallet(cmdArgs, ksDir, rpcURL)
	case "validators":
		cmdValidators(client)
	case "stake":
		cmdStake(client, cmdArgs)
	case "mining":
		cmdMining(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: novastake-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8545)
  --datadir <path>    Data directory (default: ~/.novastake)
  --network <net>     mainnet (default) or testnet

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  tx <hash>                       Show transaction details
  send --wallet <w> --to <addr> --amount <amt>
                                  Send a transaction
  sendmany --wallet <w> --recipients <file.json>
                                  Send to multiple recipients (JSON file)
  balance <address>               Show address balance
  mempool                         Show mempool stats
  peers                           Show connected peers

  wallet create --name <n>        Create a new wallet
  wallet import --name <n> --mnemonic "..."
                                  Import wallet from mnemonic
  wallet list                     List wallets
  wallet address --wallet <w>     List wallet addresses
  wallet new-address --wallet <w> Generate a new address
  wallet consolidate --wallet <w> Consolidate many small UTXOs into one
  wallet rescan --wallet <w>      Re-scan chain to discover used addresses
  wallet balance [--wallet <w>]   Show wallet balance(s)
  wallet export-key --wallet <w>  Export private key for staking

  validators                      Show validator list
  stake info <pubkey>             Show stake info
  stake create --wallet <w> --amount <amt>
                                  Lock stake to become a validator
  stake withdraw --wallet <w>     Withdraw all stake

  mining gettemplate --address <coinbase>
                                  Get a PoW block template for external mining (testnets only)
  mining submit --block <json_file>
                                  Submit a solved PoW block (testnets only)
`)
}

func defaultDataDir() string {
	return config.DefaultDataDir()
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:   %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:  %s\n", info.Symbol)
	}
	fmt.Printf("Height:  %d\n", info.Height)
	fmt.Printf("Tip:     %s\n", info.TipHash)

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:   %d\n", peers.Count)
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: novastake-cli block <hash|height>")
	}

	arg := args[0]
	var raw json.RawMessage

	// Try as height first (pure number).
	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByHeight", rpc.HeightParam{Height: height}, &raw); err != nil {
			fatal("chain_getBlockByHeight: %v", err)
		}
	} else {
		// Treat as hash.
		if err := client.Call("chain_getBlockByHash", rpc.HashParam{Hash: arg}, &raw); err != nil {
			fatal("chain_getBlockByHash: %v", err)
		}
	}

	// Parse the block to display formatted output.
	var blk struct {
		Header struct {
			PrevHash     string `json:"prev_hash"`
			MerkleRoot   string `json:"merkle_root"`
			Timestamp    uint64 `json:"timestamp"`
			Height       uint64 `json:"height"`
			ValidatorSig string `json:"validator_sig,omitempty"`
		} `json:"header"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &blk); err != nil {
		fatal("decode block: %v", err)
	}

	fmt.Printf("Height:       %d\n", blk.Header.Height)
	fmt.Printf("Prev:         %s\n", blk.Header.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", blk.Header.MerkleRoot)
	ts := time.Unix(int64(blk.Header.Timestamp), 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Transactions: %d\n", len(blk.Transactions))
}

// ── tx ──────────────────────────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string, ksDir, rpcURL string) {
	if len(args) < 1 {
		fatal("Usage: novastake-cli tx <hash> | send --wallet <w> --to <addr> --amount <amt>")
	}

	if args[0] == "send" {
		// Backward compat: "tx send" works the same as top-level "send".
		cmdSend(args[1:], ksDir, rpcURL)
		return
	}

	// Show transaction by hash.
	hash := args[0]
	var raw json.RawMessage
	if err := client.Call("chain_getTransaction", rpc.HashParam{Hash: hash}, &raw); err != nil {
		fatal("chain_getTransaction: %v", err)
	}

	var txn struct {
		Version uint32 `json:"version"`
		Inputs  []struct {
			PrevOut struct {
				TxID  string `json:"tx_id"`
				Index uint32 `json:"index"`
			} `json:"prevout"`
		} `json:"inputs"`
		Outputs []struct {
			Value  uint64 `json:"value"`
			Script struct {
				Type uint8  `json:"type"`
				Data string `json:"data"`
			} `json:"script"`
		} `json:"outputs"`
		LockTime uint64 `json:"locktime"`
	}
	if err := json.Unmarshal(raw, &txn); err != nil {
		fatal("decode tx: %v", err)
	}

	fmt.Printf("Version:  %d\n", txn.Version)
	fmt.Printf("LockTime: %d\n", txn.LockTime)
	fmt.Printf("Inputs:   %d\n", len(txn.Inputs))
	for i, in := range txn.Inputs {
		fmt.Printf("  [%d] %s:%d\n", i, in.PrevOut.TxID, in.PrevOut.Index)
	}
	fmt.Printf("Outputs:  %d\n", len(txn.Outputs))
	for i, out := range txn.Outputs {
		fmt.Printf("  [%d] %s -> %s\n", i, formatAmount(out.Value), out.Script.Data)
	}
}

// ── send (top-level) ────────────────────────────────────────────────────

func cmdSend(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	toAddr := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount to send (e.g. 1.5)")
	fs.Parse(args)

	if *walletName == "" || *toAddr == "" || *amountStr == "" {
		fatal("Usage: novastake-cli send --wallet <name> --to <addr> --amount <amt>")
	}

	// Parse amount.
	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}

	// Parse recipient address.
	recipientAddr, err := types.ParseAddress(*toAddr)
	if err != nil {
		fatal("invalid recipient address: %v", err)
	}

	// Prompt for password.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	// wallet_send considers all wallet accounts (external + change) during
	// coin selection.
	client := rpcclient.New(rpcURL)
	var result rpc.WalletSendResult
	if err := client.Call("wallet_send", rpc.WalletSendParam{
		Name:     *walletName,
		Password: string(password),
		To:       recipientAddr.String(),
		Amount:   amount,
	}, &result); err != nil {
		fatal("wallet_send: %v", err)
	}
	fmt.Printf("Submitted: %s\n", result.TxHash)
}

// ── sendmany ────────────────────────────────────────────────────────────

func cmdSendMany(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("sendmany", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	recipientsFile := fs.String("recipients", "", "Path to JSON recipients file")
	fs.Parse(args)

	if *walletName == "" || *recipientsFile == "" {
		fatal("Usage: novastake-cli sendmany --wallet <name> --recipients <file.json>")
	}

	// Read and parse recipients file.
	data, err := os.ReadFile(*recipientsFile)
	if err != nil {
		fatal("read recipients file: %v", err)
	}

	type jsonRecipient struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	var jsonRecipients []jsonRecipient
	if err := json.Unmarshal(data, &jsonRecipients); err != nil {
		fatal("parse recipients JSON: %v", err)
	}
	if len(jsonRecipients) == 0 {
		fatal("recipients file is empty")
	}

	// Validate and convert recipients.
	recipients := make([]rpc.Recipient, len(jsonRecipients))
	for i, r := range jsonRecipients {
		if r.To == "" || r.Amount == "" {
			fatal("recipient %d: to and amount are required", i)
		}
		if _, err := types.ParseAddress(r.To); err != nil {
			fatal("recipient %d: invalid address: %v", i, err)
		}
		amount, err := parseAmount(r.Amount)
		if err != nil {
			fatal("recipient %d: invalid amount: %v", i, err)
		}
		recipients[i] = rpc.Recipient{To: r.To, Amount: amount}
	}

	// Prompt for password.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	// Unlock wallet locally to verify password.
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	if _, err := ks.Load(*walletName, password); err != nil {
		fatal("invalid password or wallet: %v", err)
	}

	// Submit via RPC.
	client := rpcclient.New(rpcURL)
	params := rpc.WalletSendManyParam{
		Name:       *walletName,
		Password:   string(password),
		Recipients: recipients,
	}
	var result rpc.WalletSendManyResult
	if err := client.Call("wallet_sendMany", params, &result); err != nil {
		fatal("wallet_sendMany: %v", err)
	}

	fmt.Printf("Submitted: %s\n", result.TxHash)
	fmt.Printf("Recipients: %d\n", len(recipients))
}

// ── balance ─────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: novastake-cli balance <address>")
	}

	addr := args[0]
	var result rpc.BalanceResult
	if err := client.Call("utxo_getBalance", rpc.AddressParam{Address: addr}, &result); err != nil {
		fatal("utxo_getBalance: %v", err)
	}

	fmt.Printf("Address:   %s\n", result.Address)
	fmt.Printf("Spendable: %s NVS\n", formatAmount(result.Spendable))
	if result.Balance != result.Spendable {
		fmt.Printf("Total:     %s NVS\n", formatAmount(result.Balance))
		if result.Immature > 0 {
			fmt.Printf("Immature:  %s NVS\n", formatAmount(result.Immature))
		}
		if result.Staked > 0 {
			fmt.Printf("Staked:    %s NVS\n", formatAmount(result.Staked))
		}
		if result.Locked > 0 {
			fmt.Printf("Locked:    %s NVS\n", formatAmount(result.Locked))
		}
	}
}

// ── mempool ─────────────────────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}

	fmt.Printf("Count:   %d\n", info.Count)
	fmt.Printf("Min Fee Rate: %d per byte\n", info.MinFeeRate)

	if info.Count > 0 {
		var content rpc.MempoolContentResult
		if err := client.Call("mempool_getContent", nil, &content); err != nil {
			fatal("mempool_getContent: %v", err)
		}
		fmt.Println("Pending:")
		for _, h := range content.Hashes {
			fmt.Printf("  %s\n", h)
		}
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s (connected: %s)\n", p.ID, p.ConnectedAt)
	}
}

// ── validators ──────────────────────────────────────────────────────────

func cmdValidators(client *rpcclient.Client) {
	var result rpc.ValidatorsResult
	if err := client.Call("stake_getValidators", nil, &result); err != nil {
		fatal("stake_getValidators: %v", err)
	}

	fmt.Printf("Min Stake: %s\n", formatAmount(result.MinStake))
	fmt.Printf("Validators: %d\n\n", len(result.Validators))
	for i, v := range result.Validators {
		genesis := ""
		if v.IsGenesis {
			genesis = " (genesis)"
		}
		fmt.Printf("  [%d] %s%s\n", i, v.PubKey, genesis)
	}
}

// ── stake ───────────────────────────────────────────────────────────────

func cmdStake(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: novastake-cli stake <info|create|withdraw> [flags]")
	}

	switch args[0] {
	case "info":
		if len(args) < 2 {
			fatal("Usage: novastake-cli stake info <pubkey>")
		}
		cmdStakeInfo(client, args[1])
	case "create":
		cmdStakeCreate(client, args[1:])
	case "withdraw":
		cmdStakeWithdraw(client, args[1:])
	default:
		fatal("Unknown stake command: %s\nUsage: novastake-cli stake <info|create|withdraw> [flags]", args[0])
	}
}

func cmdStakeInfo(client *rpcclient.Client, pubkey string) {
	var result rpc.StakeInfoResult
	if err := client.Call("stake_getInfo", rpc.PubKeyParam{PubKey: pubkey}, &result); err != nil {
		fatal("stake_getInfo: %v", err)
	}

	fmt.Printf("PubKey:     %s\n", result.PubKey)
	fmt.Printf("Is Genesis: %v\n", result.IsGenesis)
	fmt.Printf("Total Stake: %s\n", formatAmount(result.TotalStake))
	fmt.Printf("Min Stake:   %s\n", formatAmount(result.MinStake))
	fmt.Printf("Sufficient:  %v\n", result.Sufficient)
}

func cmdStakeCreate(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("stake create", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	amountStr := fs.String("amount", "", "Stake amount (e.g. 1000)")
	fs.Parse(args)

	if *walletName == "" || *amountStr == "" {
		fatal("Usage: novastake-cli stake create --wallet <name> --amount <amt>")
	}

	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}

	// Prompt for password.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	var result rpc.WalletStakeResult
	if err := client.Call("wallet_stake", rpc.WalletStakeParam{
		Name:     *walletName,
		Password: string(password),
		Amount:   amount,
	}, &result); err != nil {
		fatal("wallet_stake: %v", err)
	}

	fmt.Printf("Stake transaction submitted!\n")
	fmt.Printf("  Tx Hash: %s\n", result.TxHash)
	fmt.Printf("  PubKey:  %s\n", result.PubKey)
	fmt.Printf("  Amount:  %s NVS\n", formatAmount(amount))
	fmt.Println("\nThe validator will be registered when this tx is included in a block.")
	fmt.Println("Use 'novastake-cli stake info <pubkey>' to check status after confirmation.")
}

func cmdStakeWithdraw(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("stake withdraw", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: novastake-cli stake withdraw --wallet <name>")
	}

	// Prompt for password.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	var result rpc.WalletUnstakeResult
	if err := client.Call("wallet_unstake", rpc.WalletUnstakeParam{
		Name:     *walletName,
		Password: string(password),
	}, &result); err != nil {
		fatal("wallet_unstake: %v", err)
	}

	fmt.Printf("Unstake transaction submitted!\n")
	fmt.Printf("  Tx Hash:  %s\n", result.TxHash)
	fmt.Printf("  PubKey:   %s\n", result.PubKey)
	fmt.Printf("  Returned: %s NVS\n", formatAmount(result.Amount))
	fmt.Println("\nThe validator will be removed when this tx is included in a block.")
	fmt.Println("Returned coins are locked for 20 blocks before they can be spent.")
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdWallet(args []string, ksDir, rpcURL string) {
	if len(args) < 1 {
		fatal("Usage: novastake-cli wallet <create|import|list|address|new-address|consolidate|balance|export-key|rescan> [flags]")
	}

	switch args[0] {
	case "create":
		cmdWalletCreate(args[1:], ksDir)
	case "import":
		cmdWalletImport(args[1:], ksDir, rpcURL)
	case "list":
		cmdWalletList(ksDir)
	case "address":
		cmdWalletAddress(args[1:], ksDir)
	case "new-address":
		cmdWalletNewAddress(args[1:], ksDir)
	case "consolidate":
		cmdWalletConsolidate(args[1:], rpcURL)
	case "balance":
		cmdWalletBalance(args[1:], ksDir, rpcURL)
	case "export-key":
		cmdWalletExportKey(args[1:], ksDir)
	case "rescan":
		cmdWalletRescan(args[1:], rpcURL)
	default:
		fatal("Unknown wallet command: %s\nUsage: novastake-cli wallet <create|import|list|address|new-address|consolidate|balance|export-key|rescan> [flags]", args[0])
	}
}

func cmdWalletCreate(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet create", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: novastake-cli wallet create --name <name>")
	}

	// Generate mnemonic.
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}

	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	// Prompt for password (twice).
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	// Derive seed.
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	// Derive account 0 address before encrypting.
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	// Create keystore and save.
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}

	if err := ks.Create(*name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	// Zero seed.
	for i := range seed {
		seed[i] = 0
	}

	// Store account 0 metadata.
	if err := ks.AddAccount(*name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	fmt.Printf("\nWallet created: %s\n", *name)
	fmt.Printf("Address: %s\n", addr.String())
}

func cmdWalletImport(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("wallet import", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic (24 words)")
	fs.Parse(args)

	if *name == "" || *mnemonic == "" {
		fatal("Usage: novastake-cli wallet import --name <name> --mnemonic \"word1 word2 ...\"")
	}

	if !wallet.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	// Prompt for password (twice).
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	// Derive seed.
	seed, err := wallet.SeedFromMnemonic(*mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	// Derive account 0 address.
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	// Create keystore and save.
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}

	if err := ks.Create(*name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	// Zero seed.
	for i := range seed {
		seed[i] = 0
	}

	// Store account 0 metadata.
	if err := ks.AddAccount(*name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	fmt.Printf("Wallet imported: %s\n", *name)
	fmt.Printf("Address: %s\n", addr.String())

	// Scan for previously used addresses via RPC (requires running node).
	client := rpcclient.NewWithTimeout(rpcURL, 600*time.Second)
	var result rpc.WalletRescanResult
	if err := client.Call("wallet_rescan", rpc.WalletRescanParam{
		Name:     *name,
		Password: string(password),
	}, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: address scan failed (is node running with --wallet?): %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'novastake-cli wallet rescan --wallet "+*name+"' when the node is available.")
		return
	}

	fmt.Printf("Scanned blocks 0-%d: found %d addresses (%d new)\n",
		result.ToHeight, result.AddressesFound, result.AddressesNew)

	// Warn if the node may still be syncing (low height = incomplete scan).
	if result.ToHeight < 10 && result.AddressesFound <= 1 {
		fmt.Fprintln(os.Stderr, "Warning: node appears to still be syncing. Run 'novastake-cli wallet rescan --wallet "+*name+"' after sync completes.")
	}
}

func cmdWalletList(ksDir string) {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	names, err := ks.List()
	if err != nil {
		fatal("list wallets: %v", err)
	}

	if len(names) == 0 {
		fmt.Println("No wallets found.")
		return
	}

	for _, name := range names {
		fmt.Println(name)
	}
}

func cmdWalletAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet address", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: novastake-cli wallet address --wallet <name>")
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	accounts, err := ks.ListAccounts(*walletName)
	if err != nil {
		fatal("list accounts: %v", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No addresses found.")
		return
	}

	for _, acct := range accounts {
		fmt.Printf("  [%d] %s\n", acct.Index, acct.Address)
	}
}

func cmdWalletNewAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet new-address", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: novastake-cli wallet new-address --wallet <name>")
	}

	// Prompt for password.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	// Load wallet.
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}

	// Derive next external address.
	master, err := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("derive master key: %v", err)
	}

	nextIdx, err := ks.GetExternalIndex(*walletName)
	if err != nil {
		fatal("get external index: %v", err)
	}
	// Index 0 is the default account, new addresses start at 1.
	if nextIdx == 0 {
		nextIdx = 1
	}

	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, nextIdx)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	// Store account metadata.
	if err := ks.AddAccount(*walletName, wallet.AccountEntry{
		Index:   nextIdx,
		Name:    fmt.Sprintf("Address %d", nextIdx),
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	// Increment external index.
	if err := ks.IncrementExternalIndex(*walletName); err != nil {
		fatal("increment index: %v", err)
	}

	fmt.Printf("New address [%d]: %s\n", nextIdx, addr.String())
}

func cmdWalletConsolidate(args []string, rpcURL string) {
	fs := flag.NewFlagSet("wallet consolidate", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	maxInputs := fs.Uint("max-inputs", 500, "Max inputs to merge in one consolidation tx")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: novastake-cli wallet consolidate --wallet <name> [--max-inputs N]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	client := rpcclient.New(rpcURL)
	var result rpc.WalletConsolidateResult
	if err := client.Call("wallet_consolidate", rpc.WalletConsolidateParam{
		Name:      *walletName,
		Password:  string(password),
		MaxInputs: uint32(*maxInputs),
	}, &result); err != nil {
		fatal("wallet_consolidate: %v", err)
	}

	fmt.Printf("Consolidation transaction submitted\n")
	fmt.Printf("  Tx Hash:       %s\n", result.TxHash)
	fmt.Printf("  Inputs merged: %d\n", result.InputsUsed)
	fmt.Printf("  Input total:   %s NVS\n", formatAmount(result.InputTotal))
	fmt.Printf("  Fee:           %s NVS\n", formatAmount(result.Fee))
	fmt.Printf("  Output amount: %s NVS\n", formatAmount(result.OutputAmount))
	fmt.Println("\nRun this command again if you still have many small UTXOs.")
}

func cmdWalletBalance(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("wallet balance", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name (omit for all wallets)")
	fs.Parse(args)

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	// If a name is given, show just that wallet; otherwise show all.
	var walletNames []string
	if *walletName != "" {
		walletNames = []string{*walletName}
	} else {
		walletNames, err = ks.List()
		if err != nil {
			fatal("list wallets: %v", err)
		}
	}

	if len(walletNames) == 0 {
		fmt.Println("No wallets found.")
		return
	}

	client := rpcclient.New(rpcURL)
	var grandTotal uint64
	var grandSpendable uint64

	for _, name := range walletNames {
		accounts, err := ks.ListAccounts(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to read wallet %q: %v\n", name, err)
			continue
		}

		fmt.Printf("Wallet: %s\n", name)
		var walletTotal uint64
		var walletSpendable uint64
		var walletImmature uint64
		var walletStaked uint64
		var walletLocked uint64

		for _, acct := range accounts {
			var result rpc.BalanceResult
			if err := client.Call("utxo_getBalance", rpc.AddressParam{Address: acct.Address}, &result); err != nil {
				fmt.Fprintf(os.Stderr, "  Warning: failed to get balance for %s: %v\n", acct.Address, err)
				continue
			}

			fmt.Printf("  [%d] %s  spendable=%s NVS", acct.Index, acct.Address, formatAmount(result.Spendable))
			if result.Balance != result.Spendable {
				fmt.Printf(" (total=%s NVS", formatAmount(result.Balance))
				if result.Immature > 0 {
					fmt.Printf(", immature=%s", formatAmount(result.Immature))
				}
				if result.Staked > 0 {
					fmt.Printf(", staked=%s", formatAmount(result.Staked))
				}
				if result.Locked > 0 {
					fmt.Printf(", locked=%s", formatAmount(result.Locked))
				}
				fmt.Printf(")")
			}
			fmt.Println()

			walletTotal += result.Balance
			walletSpendable += result.Spendable
			walletImmature += result.Immature
			walletStaked += result.Staked
			walletLocked += result.Locked
		}

		fmt.Printf("  Spendable: %s NVS\n", formatAmount(walletSpendable))
		if walletTotal != walletSpendable {
			fmt.Printf("  Total: %s NVS", formatAmount(walletTotal))
			if walletImmature > 0 {
				fmt.Printf(" (immature=%s", formatAmount(walletImmature))
			}
			if walletStaked > 0 {
				if walletImmature > 0 {
					fmt.Printf(", staked=%s", formatAmount(walletStaked))
				} else {
					fmt.Printf(" (staked=%s", formatAmount(walletStaked))
				}
			}
			if walletLocked > 0 {
				if walletImmature > 0 || walletStaked > 0 {
					fmt.Printf(", locked=%s", formatAmount(walletLocked))
				} else {
					fmt.Printf(" (locked=%s", formatAmount(walletLocked))
				}
			}
			if walletImmature > 0 || walletStaked > 0 || walletLocked > 0 {
				fmt.Printf(")")
			}
			fmt.Println()
		}
		fmt.Println()
		grandTotal += walletTotal
		grandSpendable += walletSpendable
	}

	if len(walletNames) > 1 {
		fmt.Printf("Grand Spendable: %s NVS\n", formatAmount(grandSpendable))
		if grandTotal != grandSpendable {
			fmt.Printf("Grand Total: %s NVS\n", formatAmount(grandTotal))
		}
	}
}

func cmdWalletExportKey(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet export-key", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	output := fs.String("output", "", "Output file path (default: <name>.key)")
	account := fs.Uint("account", 0, "BIP-44 account index")
	index := fs.Uint("index", 0, "BIP-44 address index")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: novastake-cli wallet export-key --wallet <name> [--output path] [--account 0] [--index 0]")
	}

	// Prompt for password.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	// Load wallet.
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}

	// Derive key.
	master, err := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("derive master key: %v", err)
	}

	hdKey, err := master.DeriveAddress(uint32(*account), wallet.ChangeExternal, uint32(*index))
	if err != nil {
		fatal("derive address key: %v", err)
	}

	privBytes := hdKey.PrivateKeyBytes()
	if privBytes == nil {
		fatal("no private key available")
	}

	pubBytes := hdKey.PublicKeyBytes()
	addr := hdKey.Address()

	privHex := hex.EncodeToString(privBytes)
	// Zero private key bytes.
	for i := range privBytes {
		privBytes[i] = 0
	}

	// Determine output path.
	outPath := *output
	if outPath == "" {
		outPath = *walletName + ".key"
	}

	// Write key file (0600).
	if err := os.WriteFile(outPath, []byte(privHex+"\n"), 0600); err != nil {
		fatal("write key file: %v", err)
	}

	fmt.Printf("Exported validator key to: %s\n", outPath)
	fmt.Printf("  Path:    m/44'/8888'/%d'/0/%d\n", *account, *index)
	fmt.Printf("  PubKey:  %s\n", hex.EncodeToString(pubBytes))
	fmt.Printf("  Address: %s\n", addr.String())
	fmt.Println("\nUse with: novastaked --stake --staking-key", outPath)
}

func cmdWalletRescan(args []string, rpcURL string) {
	fs := flag.NewFlagSet("wallet rescan", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fromHeight := fs.Uint64("from-height", 0, "Block height to start scanning from (default: 0)")
	deriveLimit := fs.Uint("derive-limit", 0, "Max addresses per chain to derive during rescan (default: auto)")
	timeoutSec := fs.Int("timeout", 600, "RPC timeout in seconds for this rescan request")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: novastake-cli wallet rescan --wallet <name> [--from-height N] [--derive-limit N] [--timeout sec]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	client := rpcclient.NewWithTimeout(rpcURL, time.Duration(*timeoutSec)*time.Second)
	var result rpc.WalletRescanResult
	if err := client.Call("wallet_rescan", rpc.WalletRescanParam{
		Name:        *walletName,
		Password:    string(password),
		FromHeight:  *fromHeight,
		DeriveLimit: uint32(*deriveLimit),
	}, &result); err != nil {
		fatal("rescan: %v", err)
	}

	fmt.Printf("Rescan complete (blocks %d → %d)\n", result.FromHeight, result.ToHeight)
	fmt.Printf("  Addresses found: %d\n", result.AddressesFound)
	fmt.Printf("  New addresses:   %d\n", result.AddressesNew)
}

// ── Formatting helpers ─────────────────────────────────────────────────

// formatDifficulty returns a human-readable difficulty string (e.g. "1.05M").
func formatDifficulty(d uint64) string {
	switch {
	case d >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(d)/1_000_000_000_000)
	case d >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(d)/1_000_000_000)
	case d >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(d)/1_000_000)
	case d >= 1_000:
		return fmt.Sprintf("%.2fK", float64(d)/1_000)
	default:
		return fmt.Sprintf("%d", d)
	}
}

// formatAmount converts raw units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// parseAmount converts a decimal string to raw units.
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
		// Pad to Decimals digits.
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	// Check overflow.
	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}

	return result + frac, nil
}

// ── mining ───────────────────────────────────────────────────────────────

func cmdMining(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: novastake-cli mining <gettemplate|submit> [flags]")
	}

	switch args[0] {
	case "gettemplate":
		cmdMiningGetTemplate(client, args[1:])
	case "submit":
		cmdMiningSubmit(client, args[1:])
	default:
		fatal("Unknown mining command: %s\nUsage: novastake-cli mining <gettemplate|submit> [flags]", args[0])
	}
}

func cmdMiningGetTemplate(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining gettemplate", flag.ExitOnError)
	address := fs.String("address", "", "Coinbase address")
	fs.Parse(args)

	if *address == "" {
		fatal("Usage: novastake-cli mining gettemplate --address <coinbase>")
	}

	var result rpc.MiningBlockTemplateResult
	if err := client.Call("mining_getBlockTemplate", rpc.MiningGetBlockTemplateParam{
		CoinbaseAddress: *address,
	}, &result); err != nil {
		fatal("mining_getBlockTemplate: %v", err)
	}

	// Output as JSON for external miner consumption.
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal("marshal result: %v", err)
	}
	fmt.Println(string(data))
}

func cmdMiningSubmit(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining submit", flag.ExitOnError)
	blockFile := fs.String("block", "", "Path to solved block JSON file")
	fs.Parse(args)

	if *blockFile == "" {
		fatal("Usage: novastake-cli mining submit --block <json_file>")
	}

	// Read block from file.
	blockData, err := os.ReadFile(*blockFile)
	if err != nil {
		fatal("read block file: %v", err)
	}

	var blk json.RawMessage
	if err := json.Unmarshal(blockData, &blk); err != nil {
		fatal("invalid block JSON: %v", err)
	}

	// Use raw params so the block JSON passes through without double-marshaling.
	params := map[string]interface{}{
		"block": blk,
	}
	var result rpc.MiningSubmitBlockResult
	if err := client.Call("mining_submitBlock", params, &result); err != nil {
		fatal("mining_submitBlock: %v", err)
	}

	fmt.Printf("Block accepted!\n")
	fmt.Printf("  Hash:   %s\n", result.BlockHash)
	fmt.Printf("  Height: %d\n", result.Height)
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
