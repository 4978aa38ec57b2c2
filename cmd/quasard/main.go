// Package main provides the quasard daemon - an atomic swap client node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/internal/account"
	"github.com/quasar-exchange/quasar/internal/backend"
	"github.com/quasar-exchange/quasar/internal/chain"
	"github.com/quasar-exchange/quasar/internal/client"
	"github.com/quasar-exchange/quasar/internal/config"
	"github.com/quasar-exchange/quasar/internal/scheduler"
	"github.com/quasar-exchange/quasar/internal/storage"
	"github.com/quasar-exchange/quasar/internal/swap"
	"github.com/quasar-exchange/quasar/pkg/helpers"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.quasar", "Data directory")
		exchangeURL = flag.String("exchange", "", "Matching server websocket URL, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.Default()
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("quasard %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *exchangeURL != "" {
		cfg.ExchangeURL = *exchangeURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *testnet {
		cfg.Network = string(chain.Testnet)
	}
	cfg.DataDir = *dataDir

	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	network := chain.Mainnet
	if cfg.Network == string(chain.Testnet) {
		network = chain.Testnet
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", config.ExpandPath(cfg.DataDir))

	performer := scheduler.NewPerformer(scheduler.Config{
		TickInterval: cfg.TaskTickInterval,
	})
	performer.Start()

	acc := account.NewMemoryAccount()
	nonces := account.NewNonceSequencer()

	// Matching-server connection. Swap progress survives without it: the
	// engines act on chain evidence alone and the client reconnects in the
	// background.
	var (
		wsClient  *client.Client
		transport swap.Transport
	)
	if cfg.ExchangeURL != "" {
		wsClient = client.New(client.DefaultConfig(cfg.ExchangeURL), log)
		if err := wsClient.Connect(ctx); err != nil {
			log.Warn("Matching server unreachable, continuing offline", "error", err)
			wsClient = nil
		} else {
			transport = wsClient
		}
	}

	manager := swap.NewManager(store, transport, log)
	handlers := manager.Handlers()
	swapCfg := config.DefaultSwapConfig()

	backends := buildBackends(ctx, cfg, network, log)
	defer backends.CloseAll()

	engines := buildEngines(backends, network, &swapCfg, acc, nonces, performer, handlers, log)
	if len(engines) == 0 {
		log.Fatal("No chain engines could be built, check endpoints")
	}
	for _, e := range engines {
		manager.RegisterEngine(e)
	}
	log.Info("Swap engines initialized", "count", len(engines), "network", network)

	if wsClient != nil {
		wsClient.OnSwapReceived(func(ctx context.Context, msg *client.SwapMessage) {
			s, err := swapFromMessage(ctx, msg, acc)
			if err != nil {
				log.Error("Invalid swap from server", "swap", msg.SwapID, "error", err)
				return
			}
			if err := manager.Accept(ctx, s); err != nil {
				log.Error("Cannot accept swap", "swap", s.ID, "error", err)
			}
		})
	}

	// Rebuild control tasks for swaps that were in flight before the last
	// shutdown.
	active, err := store.GetActiveSwaps(ctx)
	if err != nil {
		log.Warn("Failed to load active swaps", "error", err)
	} else if len(active) > 0 {
		log.Info("Restoring active swaps", "count", len(active))
		manager.RestoreAll(ctx, active)
	}

	printBanner(log, cfg, network)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				activeCount, canceledCount, err := store.SwapCount(ctx)
				if err != nil {
					continue
				}
				log.Info("Status",
					"active", activeCount, "canceled", canceledCount,
					"pending_tasks", performer.Pending())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if wsClient != nil {
		if err := wsClient.Close(); err != nil {
			log.Error("Error closing server connection", "error", err)
		}
	}
	performer.Stop(10 * time.Second)

	log.Info("Goodbye!")
}

// buildBackends creates and registers one chain backend per configured
// endpoint whose currency the chain registry knows. Connection failures are
// logged, not fatal: backends reconnect on use.
func buildBackends(ctx context.Context, cfg *config.Config, network chain.Network, log *logging.Logger) *backend.Registry {
	registry := backend.NewRegistry()

	for symbol, endpoint := range cfg.Endpoints {
		params, ok := chain.Get(symbol, network)
		if !ok {
			log.Warn("Unknown currency in endpoints, skipping", "currency", symbol)
			continue
		}

		var be backend.Backend
		switch params.Family {
		case chain.FamilyUTXO:
			be = backend.NewEsploraBackend(endpoint)
		case chain.FamilyEVM:
			be = backend.NewEthereumBackend(endpoint, params.SwapContractAddress)
		case chain.FamilyTezos:
			be = backend.NewTezosBackend(tzktURL(network), endpoint, params.SwapContract)
		default:
			continue
		}

		if err := be.Connect(ctx); err != nil {
			log.Warn("Backend connection failed", "currency", symbol, "error", err)
		}
		registry.Register(symbol, be)
	}

	log.Info("Backend registry initialized", "network", network, "backends", registry.List())
	return registry
}

// buildEngines creates one swap engine per registered backend.
func buildEngines(
	backends *backend.Registry,
	network chain.Network,
	swapCfg *config.SwapConfig,
	acc account.Account,
	nonces *account.NonceSequencer,
	performer *scheduler.Performer,
	handlers swap.Handlers,
	log *logging.Logger,
) []swap.Engine {
	var engines []swap.Engine

	for _, symbol := range backends.List() {
		params, ok := chain.Get(symbol, network)
		if !ok {
			continue
		}

		var (
			engine swap.Engine
			err    error
		)
		switch params.Family {
		case chain.FamilyUTXO:
			be, ok := backends.UTXO(symbol)
			if !ok {
				continue
			}
			engine, err = swap.NewBitcoinEngine(symbol, network, swapCfg, acc, be, performer, handlers, log)

		case chain.FamilyEVM:
			be, ok := backends.Contract(symbol)
			if !ok {
				continue
			}
			engine, err = swap.NewEthereumEngine(symbol, network, swapCfg, acc, be, nonces, performer, handlers, log)

		case chain.FamilyTezos:
			be, ok := backends.Contract(symbol)
			if !ok {
				continue
			}
			engine, err = swap.NewTezosEngine(symbol, network, swapCfg, acc, be, nonces, performer, handlers, log)
		}

		if err != nil {
			log.Warn("Cannot build engine, skipping", "currency", symbol, "error", err)
			continue
		}
		engines = append(engines, engine)
	}

	return engines
}

func tzktURL(network chain.Network) string {
	if network == chain.Testnet {
		return "https://api.ghostnet.tzkt.io"
	}
	return "https://api.tzkt.io"
}

// swapFromMessage converts a server swap assignment into the acceptor-side
// swap record. The counterparty's commitment and receive details come from
// the message; this party's receive address comes from the wallet.
func swapFromMessage(ctx context.Context, msg *client.SwapMessage, acc account.Account) (*swap.Swap, error) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", msg.Price, err)
	}
	qty, err := decimal.NewFromString(msg.Qty)
	if err != nil {
		return nil, fmt.Errorf("bad qty %q: %w", msg.Qty, err)
	}

	secretHash := helpers.DecodeHex(msg.SecretHash)
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("bad secret hash %q", msg.SecretHash)
	}

	s := &swap.Swap{
		ID:           msg.SwapID,
		SecretHash:   secretHash,
		Symbol:       msg.Symbol,
		Side:         swap.Side(msg.Side),
		Price:        price,
		Qty:          qty,
		IsInitiator:  false,
		PartyAddress: msg.ToAddress,
		PartyPubKey:  helpers.DecodeHex(msg.PubKey),
		TimeStamp:    time.Now().UTC(),
	}
	if msg.RedeemScript != "" {
		s.PartyRedeemScript = helpers.DecodeHex(msg.RedeemScript)
	}
	if msg.RewardForRedeem != "" {
		reward, err := decimal.NewFromString(msg.RewardForRedeem)
		if err != nil {
			return nil, fmt.Errorf("bad reward %q: %w", msg.RewardForRedeem, err)
		}
		// The initiator's requested reward: this party pays it out of its
		// own payment if it redeems on their behalf.
		s.PartyRewardForRedeem = reward
	}

	// Receive on any wallet address for the purchased currency.
	addrs, err := acc.GetUnspentAddresses(
		ctx, s.PurchasedCurrency(), decimal.Zero, decimal.Zero, false, account.UseAnyAddresses)
	if err == nil && len(addrs) > 0 {
		s.ToAddress = addrs[0].Address
	}

	return s, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, network chain.Network) {
	networkLabel := "mainnet"
	if network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Quasar Swap Daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	if cfg.ExchangeURL != "" {
		log.Infof("  Exchange: %s", cfg.ExchangeURL)
	} else {
		log.Info("  Exchange: offline")
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.DataDir))
	for symbol, endpoint := range cfg.Endpoints {
		log.Infof("  %s endpoint: %s", symbol, endpoint)
	}
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
