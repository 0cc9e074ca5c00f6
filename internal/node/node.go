// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, Qt wallet, etc.).
package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novastake/novastaked/config"
	"github.com/novastake/novastaked/internal/chain"
	"github.com/novastake/novastaked/internal/consensus"
	klog "github.com/novastake/novastaked/internal/log"
	"github.com/novastake/novastaked/internal/mempool"
	"github.com/novastake/novastaked/internal/miner"
	"github.com/novastake/novastaked/internal/p2p"
	"github.com/novastake/novastaked/internal/rpc"
	"github.com/novastake/novastaked/internal/stake"
	"github.com/novastake/novastaked/internal/storage"
	"github.com/novastake/novastaked/internal/stunprobe"
	"github.com/novastake/novastaked/internal/utxo"
	"github.com/novastake/novastaked/internal/wallet"
	"github.com/novastake/novastaked/pkg/block"
	"github.com/novastake/novastaked/pkg/crypto"
	"github.com/novastake/novastaked/pkg/tx"
	"github.com/novastake/novastaked/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db         storage.DB
	utxoStore  *utxo.Store
	engine     consensus.Engine
	ch         *chain.Chain
	pool       *mempool.Pool
	tracker    *consensus.ValidatorTracker

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	// Staking
	validatorKey *crypto.PrivateKey
	poaEngine    *consensus.PoA
	posEngine    *consensus.PoS
	stakeChecker *consensus.UTXOStakeChecker
	stakeStop    *stake.ShutdownFlag

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, consensus, chain, mempool, P2P, RPC) but
// does NOT start background goroutines (mining, sync). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Set address HRP ──────────────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("consensus", genesis.Protocol.Consensus.Type).
		Int("block_time", genesis.Protocol.Consensus.BlockTime).
		Msg("Starting Novastake Chain Node")

	// ── 4. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Validator key ────────────────────────────────────────────
	var validatorKey *crypto.PrivateKey
	if cfg.Staking.StakingKey != "" {
		validatorKey, err = loadValidatorKey(cfg.Staking.StakingKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load staking key %s: %w", cfg.Staking.StakingKey, err)
		}
		logger.Info().
			Str("pubkey", hex.EncodeToString(validatorKey.PublicKey())[:16]+"...").
			Msg("Staking key loaded")
	}
	if cfg.Staking.Enabled && validatorKey == nil {
		db.Close()
		return nil, fmt.Errorf("staking requires staking-key")
	}

	// ── 6. Consensus engine ─────────────────────────────────────────
	engine, err := createEngine(genesis, utxoStore)
	if err != nil {
		db.Close()
		if validatorKey != nil {
			validatorKey.Zero()
		}
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	var posEngine *consensus.PoS
	if pos, ok := engine.(*consensus.PoS); ok {
		posEngine = pos
		if validatorKey != nil {
			pos.SetSigner(validatorKey)
		}
		pos.SetStakeAgeRules(genesis.Protocol.Consensus.StakeMinAge, genesis.Protocol.Consensus.StakeMaxAge)
	}

	// ── 7. Chain ────────────────────────────────────────────────────
	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		db.Close()
		if validatorKey != nil {
			validatorKey.Zero()
		}
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)
	if posEngine != nil {
		posEngine.SetChainTimeSource(ch)
	}

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			if validatorKey != nil {
				validatorKey.Zero()
			}
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 8. Mempool ──────────────────────────────────────────────────
	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 5000)
	pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)
	pool.SetStakeAmount(genesis.Protocol.Consensus.ValidatorStake)

	logger.Info().
		Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).
		Msg("Mempool ready")

	// ── 9. Validator tracker ────────────────────────────────────────
	tracker := consensus.NewValidatorTracker(60 * time.Second)

	var poaEngine *consensus.PoA
	if poa, ok := engine.(*consensus.PoA); ok {
		poaEngine = poa
	}

	// ── 10. P2P ─────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	var syncer *p2p.Syncer
	var nodeRef *Node // set after Node is constructed; used by block handler closure
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		genesisHash, _ := genesis.Hash()
		p2pNode.SetGenesisHash(genesisHash)
		p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

		// Block handler with sync trigger for unknown parents.
		var rootSyncing atomic.Bool
		p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
			var blk block.Block
			if err := json.Unmarshal(data, &blk); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal block")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
				return
			}
			if err := ch.ProcessBlock(&blk); err != nil {
				if errors.Is(err, chain.ErrPrevNotFound) && rootSyncing.CompareAndSwap(false, true) {
					go func() {
						defer rootSyncing.Store(false)
						if nodeRef != nil {
							nodeRef.runStartupSync()
						}
					}()
				}
				if !errors.Is(err, chain.ErrBlockKnown) &&
					!errors.Is(err, chain.ErrPrevNotFound) &&
					!errors.Is(err, chain.ErrForkDetected) {
					p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
				}
				if !errors.Is(err, chain.ErrBlockKnown) {
					logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process block")
				}
				return
			}
			pool.RemoveConfirmed(blk.Transactions)

			if poaEngine != nil {
				if signer := poaEngine.IdentifySigner(blk.Header); signer != nil {
					tracker.RecordBlock(signer)
				}
			}

			logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Msg("Block received and applied")
		})

		// Tx handler.
		p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
			var t tx.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
				return
			}
			fee, err := pool.Add(&t)
			if err != nil {
				logger.Debug().Err(err).Msg("Rejected transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
				return
			}
			logger.Info().
				Str("tx", t.Hash().String()[:16]+"...").
				Uint64("fee", fee).
				Msg("Transaction added to mempool")
		})

		if err := p2pNode.Start(); err != nil {
			db.Close()
			if validatorKey != nil {
				validatorKey.Zero()
			}
			return nil, fmt.Errorf("start P2P: %w", err)
		}

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		go probeExternalIP(cfg.P2P.STUNServer, p2pNode.ID().String(), logger)

		// Heartbeat topic.
		if err := p2pNode.JoinHeartbeat(); err != nil {
			logger.Warn().Err(err).Msg("Failed to join heartbeat topic")
		} else {
			p2pNode.SetHeartbeatHandler(func(msg *p2p.HeartbeatMessage) {
				if poaEngine != nil && !poaEngine.IsValidator(msg.PubKey) {
					return
				}
				tracker.RecordHeartbeat(msg.PubKey)
			})
			logger.Info().Msg("Heartbeat protocol joined")
		}

		// Sync protocol.
		syncer = p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
			var blocks []*block.Block
			for h := fromHeight; h < fromHeight+uint64(max); h++ {
				blk, err := ch.GetBlockByHeight(h)
				if err != nil {
					break
				}
				blocks = append(blocks, blk)
			}
			return blocks
		})
		syncer.RegisterHeightHandler(func() (uint64, string) {
			return ch.Height(), ch.TipHash().String()
		})
		logger.Info().Msg("Chain sync protocol registered")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// Stake handler (only meaningful for the legacy PoA engine; PoS validates
	// stake directly from the kernel signer via UTXOStakeChecker).
	if poa, ok := engine.(*consensus.PoA); ok {
		stakeChecker := consensus.NewUTXOStakeChecker(utxoStore, 0)

		ch.SetStakeHandler(func(pubKey []byte) {
			poa.AddValidator(pubKey)
			logger.Info().
				Str("pubkey", hex.EncodeToString(pubKey)[:16]+"...").
				Msg("Validator registered via stake")

			if validatorKey != nil && poa.GetSigner() == nil &&
				bytes.Equal(pubKey, validatorKey.PublicKey()) {
				if err := poa.SetSigner(validatorKey); err == nil {
					logger.Info().Msg("Validator key authorized after stake sync")
				}
			}
		})

		ch.SetUnstakeHandler(func(pubKey []byte) {
			ok, _ := stakeChecker.HasStake(pubKey)
			if !ok {
				poa.RemoveValidator(pubKey)
				logger.Info().
					Str("pubkey", hex.EncodeToString(pubKey)[:16]+"...").
					Msg("Validator removed (stake withdrawn)")
			}
		})

		// Recover staked validators on restart.
		if ch.Height() > 0 {
			stakedPKs, err := utxoStore.GetAllStakedValidators()
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to scan staked validators")
			} else {
				for _, pk := range stakedPKs {
					if ok, _ := stakeChecker.HasStake(pk); ok {
						poa.AddValidator(pk)
					}
				}
				if len(stakedPKs) > 0 {
					logger.Info().Int("count", len(stakedPKs)).Msg("Staked validators recovered from UTXO set")
				}
			}
		}

		// Set signer after staked validators are recovered.
		if validatorKey != nil {
			if err := poa.SetSigner(validatorKey); err != nil {
				logger.Warn().Err(err).Msg("Validator key not yet authorized (will activate after stake TX is synced)")
			}
		}
	}

	// Reverted-tx handler.
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reinserted := 0
		for _, t := range txs {
			if _, err := pool.Add(t); err == nil {
				reinserted++
			}
		}
		if reinserted > 0 {
			logger.Info().
				Int("reverted", len(txs)).
				Int("reinserted", reinserted).
				Msg("Reverted transactions returned to mempool")
		}
	})

	// ── 11. RPC server ──────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, ch, utxoStore, pool, p2pNode, genesis, engine, cfg.RPC)
		if err := rpcServer.Start(); err != nil {
			if p2pNode != nil {
				p2pNode.Stop()
			}
			db.Close()
			if validatorKey != nil {
				validatorKey.Zero()
			}
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}

		// Wire validator tracker.
		rpcServer.SetValidatorTracker(tracker)

		// Wire ban manager.
		if p2pNode != nil {
			rpcServer.SetBanManager(p2pNode.BanManager)
		}

		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")

		// Wallet RPC.
		if cfg.Wallet.Enabled {
			ks, ksErr := wallet.NewKeystore(cfg.KeystoreDir())
			if ksErr != nil {
				rpcServer.Stop()
				if p2pNode != nil {
					p2pNode.Stop()
				}
				db.Close()
				if validatorKey != nil {
					validatorKey.Zero()
				}
				return nil, fmt.Errorf("create wallet keystore: %w", ksErr)
			}
			rpcServer.SetKeystore(ks)
			rpcServer.SetWalletTxIndex(rpc.NewWalletTxIndex(db))
			if cfg.Wallet.KeyPoolSize > 0 {
				rpcServer.SetKeyPoolSize(uint32(cfg.Wallet.KeyPoolSize))
			}
			if names, listErr := ks.List(); listErr == nil && len(names) > 0 {
				rpcServer.SetDefaultWallet(names[0])
			}
			rpcServer.ReservePolicy().Set(cfg.Staking.ReserveBalance > 0, cfg.Staking.ReserveBalance)
			logger.Info().Str("path", cfg.KeystoreDir()).Msg("Wallet RPC enabled")
		}
	} else {
		if cfg.Wallet.Enabled {
			logger.Warn().Msg("wallet.enabled is true but RPC is disabled; wallet RPC endpoints unavailable")
		}
		logger.Warn().Msg("RPC disabled by config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:          cfg,
		genesis:      genesis,
		logger:       logger,
		db:           db,
		utxoStore:    utxoStore,
		engine:       engine,
		ch:           ch,
		pool:         pool,
		tracker:      tracker,
		p2pNode:      p2pNode,
		syncer:       syncer,
		rpcServer:    rpcServer,
		validatorKey: validatorKey,
		poaEngine:    poaEngine,
		posEngine:    posEngine,
		stakeChecker: consensus.NewUTXOStakeChecker(utxoStore, 0),
		stakeStop:    &stake.ShutdownFlag{},
		ctx:          ctx,
		cancel:       cancel,
	}

	// Wire nodeRef for the root chain block handler sync trigger.
	nodeRef = n

	return n, nil
}

// Start launches background goroutines: startup sync, sync loop, miner, heartbeat.
func (n *Node) Start() error {
	// Startup sync.
	if n.p2pNode != nil && n.syncer != nil {
		n.runStartupSync()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	// Staking.
	if n.cfg.Staking.Enabled {
		// Start heartbeat immediately.
		if n.validatorKey != nil {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.runHeartbeat(60 * time.Second)
			}()
		}

		if n.posEngine != nil {
			// PoS: internal/stake.Loop is the real block-production path.
			// It searches the kernel across every candidate UTXO the
			// validator key owns, unlike Engine.Seal's single-threaded
			// fallback search (kept for internal/miner callers only).
			loop, err := n.newStakeLoop()
			if err != nil {
				return fmt.Errorf("build stake loop: %w", err)
			}
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.logger.Info().
					Uint64("min_age", n.genesis.Protocol.Consensus.StakeMinAge).
					Uint64("max_age", n.genesis.Protocol.Consensus.StakeMaxAge).
					Msg("Staking loop started")
				if err := loop.Run(n.ctx); err != nil && n.ctx.Err() == nil {
					n.logger.Error().Err(err).Msg("Staking loop exited unexpectedly")
				}
			}()
		} else {
			coinbaseAddr, err := resolveCoinbase("", n.validatorKey)
			if err != nil {
				return fmt.Errorf("resolve coinbase: %w", err)
			}

			m := miner.New(n.ch, n.engine, n.pool, coinbaseAddr,
				n.genesis.Protocol.Consensus.BlockReward,
				n.genesis.Protocol.Consensus.MaxSupply,
				n.ch.Supply)
			blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second

			n.logger.Info().
				Str("coinbase", hex.EncodeToString(coinbaseAddr[:])[:16]+"...").
				Uint64("reward", n.genesis.Protocol.Consensus.BlockReward).
				Dur("interval", blockTime).
				Msg("Block production enabled")

			// Wait stabilization period then mine.
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				stabilize := 3 * blockTime
				n.logger.Info().Dur("delay", stabilize).Msg("Waiting for chain to stabilize before mining")
				select {
				case <-n.ctx.Done():
					return
				case <-time.After(stabilize):
				}
				n.runMiner(m, blockTime)
			}()
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("staking", n.cfg.Staking.Enabled).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	if n.stakeStop != nil {
		n.stakeStop.Set()
	}
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.validatorKey != nil {
		n.validatorKey.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if len(n.p2pNode.PeerList()) == 0 {
				continue
			}
			n.runStartupSync()
		}
	}
}

func (n *Node) runStartupSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		n.logger.Info().Msg("No peers for startup sync")
		return
	}

	var bestPeer peer.ID
	var bestHeight uint64
	var bestTipHash string
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	localTip := n.ch.TipHash().String()
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > bestHeight {
			bestHeight = resp.Height
			bestTipHash = resp.TipHash
			bestPeer = p.ID
		} else if resp.Height == bestHeight && resp.TipHash != bestTipHash {
			// Peer at same height with a different tip — track the one
			// that also differs from our local tip for fork detection.
			if resp.TipHash != localTip {
				bestTipHash = resp.TipHash
				bestPeer = p.ID
			}
		}
	}

	localHeight := n.ch.Height()

	// Detect same-height fork: heights match but tips differ.
	if bestHeight == localHeight && bestHeight > 0 {
		if bestTipHash != "" && bestTipHash != localTip {
			n.logger.Info().
				Uint64("height", localHeight).
				Str("local_tip", localTip[:16]+"...").
				Str("peer_tip", bestTipHash[:16]+"...").
				Msg("Same-height fork detected, resolving")
			n.resolveFork(bestPeer, localHeight, bestHeight)
		}
		return
	}

	if bestHeight <= localHeight {
		n.logger.Info().Uint64("height", localHeight).Msg("Chain is up to date")
		return
	}

	total := bestHeight - localHeight
	n.logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", bestHeight).
		Uint64("blocks", total).
		Msg("Syncing chain")

	syncStart := time.Now()

	for from := localHeight + 1; from <= bestHeight; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > bestHeight {
			max = uint32(bestHeight - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, bestPeer, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			break
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				if errors.Is(err, chain.ErrPrevNotFound) {
					n.logger.Info().
						Uint64("height", blk.Header.Height).
						Msg("Fork detected during sync, resolving")
					n.resolveFork(bestPeer, blk.Header.Height, bestHeight)
					return
				}
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
		}

		synced := n.ch.Height() - localHeight
		pct := float64(synced) / float64(total) * 100
		elapsed := time.Since(syncStart).Seconds()
		bps := float64(synced) / elapsed
		remaining := ""
		if bps > 0 {
			eta := float64(total-synced) / bps
			remaining = fmt.Sprintf("%.0fs", eta)
		}

		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", bestHeight).
			Str("progress", fmt.Sprintf("%.1f%%", pct)).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Str("eta", remaining).
			Msg("Syncing")
	}

	elapsed := time.Since(syncStart)
	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", elapsed).
		Msg("Sync complete")
}

func (n *Node) resolveFork(peerID peer.ID, failedHeight, peerTip uint64) {
	searchFrom := failedHeight - 1
	if searchFrom > n.ch.Height() {
		searchFrom = n.ch.Height()
	}

	var ancestorHeight uint64
	found := false

	for h := searchFrom; ; h-- {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		peerBlocks, err := n.syncer.RequestBlocks(reqCtx, peerID, h, 1)
		cancel()
		if err != nil || len(peerBlocks) == 0 {
			if h == 0 {
				break
			}
			continue
		}

		localBlk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			if h == 0 {
				break
			}
			continue
		}

		if peerBlocks[0].Hash() == localBlk.Hash() {
			ancestorHeight = h
			found = true
			break
		}

		if h == 0 {
			break // Reached genesis, prevent uint64 underflow.
		}
	}

	if !found {
		n.logger.Warn().
			Uint64("searched_from", searchFrom).
			Msg("Fork resolution failed: no common ancestor found")
		return
	}

	n.logger.Info().
		Uint64("ancestor", ancestorHeight).
		Uint64("peer_tip", peerTip).
		Uint64("fork_blocks", peerTip-ancestorHeight).
		Msg("Common ancestor found, downloading fork blocks")

	for from := ancestorHeight + 1; from <= peerTip; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > peerTip {
			max = uint32(peerTip - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, peerID, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Fork sync request failed")
			return
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				n.logger.Warn().Err(err).
					Uint64("height", blk.Header.Height).
					Msg("Fork sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Msg("Fork resolved")
}

// ── Staking ─────────────────────────────────────────────────────────

// newStakeLoop builds the PoS block-production loop around the node's
// own validator key: CandidatesForPubKey supplies every stake UTXO it
// owns, Prepare supplies the current target the same way it would for
// any other engine caller, and Submit runs the produced block through
// the same ProcessBlock/broadcast path a gossiped block would take.
func (n *Node) newStakeLoop() (*stake.Loop, error) {
	if n.validatorKey == nil {
		return nil, fmt.Errorf("staking requires a validator key")
	}
	pub := n.validatorKey.PublicKey()
	assembler := stake.NewAssembler(n.pool)

	snapshot := func() (stake.ChainSnapshot, error) {
		header := &block.Header{Height: n.ch.Height() + 1}
		if err := n.posEngine.Prepare(header); err != nil {
			return stake.ChainSnapshot{}, fmt.Errorf("prepare header: %w", err)
		}
		return stake.ChainSnapshot{
			TipHash:    n.ch.TipHash(),
			TipTime:    int64(n.ch.TipTimestamp()),
			Height:     n.ch.Height(),
			PosTarget:  stake.TargetFromDifficulty(header.Difficulty),
			Difficulty: header.Difficulty,
		}, nil
	}

	spendable := func() ([]stake.Candidate, error) {
		return n.stakeChecker.CandidatesForPubKey(pub)
	}

	submit := func(blk *block.Block) error {
		if err := n.ch.ProcessBlock(blk); err != nil {
			return fmt.Errorf("process own block: %w", err)
		}
		n.pool.RemoveConfirmed(blk.Transactions)
		if n.p2pNode != nil {
			if err := n.p2pNode.BroadcastBlock(blk); err != nil {
				n.logger.Error().Err(err).Msg("Failed to broadcast block")
			}
		}
		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Msg("Block produced")
		return nil
	}

	canStake := func() bool {
		return n.ctx.Err() == nil
	}

	return stake.NewLoop(assembler, n.validatorKey,
		n.genesis.Protocol.Consensus.StakeMinAge,
		n.genesis.Protocol.Consensus.StakeMaxAge,
		snapshot, spendable, submit, canStake, n.stakeStop), nil
}

func (n *Node) runMiner(m *miner.Miner, blockTime time.Duration) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			nextHeight := n.ch.Height() + 1
			now := uint64(time.Now().Unix())

			// Time-slot-based election: check if we're in-turn.
			if n.poaEngine != nil && !n.poaEngine.IsInTurn(now) {
				// Not in-turn. Identify the expected in-turn validator.
				expectedPub := n.poaEngine.SlotValidator(now)

				// If the in-turn validator is online, don't produce.
				if n.tracker != nil && expectedPub != nil && n.tracker.IsOnline(expectedPub) {
					continue
				}

				// In-turn validator appears offline. Wait staggered backup delay
				// (proportional to our distance from the in-turn slot).
				delay := n.poaEngine.BackupDelay(now)
				n.logger.Debug().
					Uint64("height", nextHeight).
					Dur("backup_delay", delay).
					Msg("Not in-turn, waiting backup delay")

				select {
				case <-n.ctx.Done():
					return
				case <-time.After(delay):
				}

				// Re-check after delay: a block may have arrived.
				if n.ch.Height() >= nextHeight {
					continue
				}

				if expectedPub != nil && n.tracker != nil {
					n.tracker.RecordMiss(expectedPub)
				}
			}

			// Re-check: a block may have arrived via gossip since we read the tip.
			if n.ch.Height() >= nextHeight {
				continue
			}

			blk, err := m.ProduceBlockCtx(n.ctx)
			if err != nil {
				if n.ctx.Err() != nil {
					return
				}
				n.logger.Error().Err(err).Msg("Failed to produce block")
				continue
			}

			if err := n.ch.ProcessBlock(blk); err != nil {
				n.logger.Error().Err(err).Msg("Failed to process own block")
				if errors.Is(err, chain.ErrCoinbaseNotMature) {
					for _, t := range blk.Transactions[1:] {
						n.pool.Remove(t.Hash())
					}
					n.logger.Info().Msg("Evicted mempool transactions due to coinbase maturity")
				}
				continue
			}
			n.pool.RemoveConfirmed(blk.Transactions)

			if n.poaEngine != nil && n.tracker != nil {
				if signer := n.poaEngine.IdentifySigner(blk.Header); signer != nil {
					n.tracker.RecordBlock(signer)
				}
			}

			if n.p2pNode != nil {
				if err := n.p2pNode.BroadcastBlock(blk); err != nil {
					n.logger.Error().Err(err).Msg("Failed to broadcast block")
				}
			}

			n.logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Uint64("reward", blk.Transactions[0].Outputs[0].Value).
				Msg("Block produced")
		}
	}
}

// ── Heartbeat ───────────────────────────────────────────────────────

func (n *Node) runHeartbeat(interval time.Duration) {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pubKey := n.validatorKey.PublicKey()
	n.logger.Info().Dur("interval", interval).Msg("Heartbeat broadcast started")

	n.sendHeartbeat(pubKey)

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Heartbeat broadcast stopped")
			return
		case <-ticker.C:
			n.sendHeartbeat(pubKey)
		}
	}
}

func (n *Node) sendHeartbeat(pubKey []byte) {
	ts := time.Now().Unix()
	height := n.ch.Height()

	data := p2p.HeartbeatSigningBytes(pubKey, height, ts)
	hash := crypto.Hash(data)
	sig, err := n.validatorKey.Sign(hash[:])
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to sign heartbeat")
		return
	}

	msg := &p2p.HeartbeatMessage{
		PubKey:    pubKey,
		Height:    height,
		Timestamp: ts,
		Signature: sig,
	}

	if err := n.p2pNode.BroadcastHeartbeat(msg); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to broadcast heartbeat")
	}
}

// probeExternalIP runs a bounded, fire-and-forget STUN probe to learn the
// node's reflexive address behind NAT, logging the result. It is purely
// informational: nothing in the node blocks on it, and a failure never
// prevents P2P or consensus from operating.
func probeExternalIP(configuredServer, peerSeed string, logger zerolog.Logger) {
	servers := stunprobe.ParseServerList(configuredServer)

	seed := fnv.New64a()
	_, _ = seed.Write([]byte(peerSeed))
	entropy := seed.Sum64()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(2*len(servers))*stunprobe.ProbeTimeout)
	defer cancel()

	result, err := stunprobe.GetExternalIPbySTUN(ctx, servers, entropy)
	if err != nil {
		logger.Debug().Err(err).Msg("STUN external-IP probe failed")
		return
	}
	logger.Info().
		Str("external_addr", result.Addr.String()).
		Str("stun_server", result.Server).
		Msg("Discovered external address via STUN")
}

