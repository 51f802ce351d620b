// klingswap runs Boltz swaps between lightning and on-chain bitcoin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/chain"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

type globalFlags struct {
	dataDir  string
	network  string
	logLevel string
}

func main() {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "klingswap",
		Short:         "Swap between lightning and on-chain bitcoin through Boltz",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "~/.klingswap", "Data directory")
	root.PersistentFlags().StringVar(&flags.network, "network", "", "Network override (mainnet, testnet, regtest)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newReverseCommand(&flags),
		newSubmarineCommand(&flags),
		newChainCommand(&flags),
		newStatusCommand(&flags),
		newHistoryCommand(&flags),
		newPairsCommand(&flags),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// App wiring
// =============================================================================

// app holds everything a command needs. Fields are nil when a command does
// not ask for them.
type app struct {
	cfg     *config.Config
	network chain.Network
	log     *logging.Logger

	client  *boltz.Client
	store   *storage.Storage
	manager *swap.Manager
}

// loadApp reads the config and sets up logging.
func loadApp(flags *globalFlags) (*app, error) {
	cfg, err := config.LoadConfig(flags.dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flags.network != "" {
		network, err := chain.ParseNetwork(flags.network)
		if err != nil {
			return nil, err
		}
		cfg.Network = network
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	return &app{
		cfg:     cfg,
		network: cfg.Network,
		log:     log,
		client: boltz.NewClient(boltz.ClientConfig{
			URL:               cfg.Boltz.APIURL,
			Timeout:           cfg.Boltz.RequestTimeout,
			RequestsPerSecond: cfg.Boltz.RequestsPerSecond,
			Burst:             config.DefaultRequestBurst,
		}),
	}, nil
}

// openStore opens the swap journal.
func (a *app) openStore() error {
	store, err := storage.New(&storage.Config{DataDir: a.cfg.DataDir()})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.store = store
	return nil
}

// startManager wires the backend, the journal and the feed into a Manager.
func (a *app) startManager(ctx context.Context) error {
	mcfg := swap.ManagerConfig{
		Network:  a.network,
		Provider: a.client,
		Feeds:    a.feedDialer(),
		Swap:     a.cfg.Swap,
		Options:  swap.OptionsFromConfig(a.cfg.Swap),
		Logger:   a.log.Component("swap"),
	}

	be, err := a.connectBackend(ctx)
	if err != nil {
		a.log.Warn("No block explorer backend, using provider only", "error", err)
	} else {
		mcfg.Fees = be
		mcfg.Tip = be
		mcfg.Fallback = be
		mcfg.Txs = be
	}

	if a.cfg.Storage.Journal {
		if err := a.openStore(); err != nil {
			return err
		}
		mcfg.Journal = a.store
	}

	manager, err := swap.NewManager(mcfg)
	if err != nil {
		return err
	}
	a.manager = manager

	manager.OnEvent(func(ev swap.SwapEvent) {
		switch ev.Type {
		case swap.EventStateChanged:
			a.log.Info("Swap state", "swap_id", ev.SwapID, "state", ev.State)
		case swap.EventClaimBroadcast:
			a.log.Info("Claim broadcast", "swap_id", ev.SwapID, "txid", ev.Data["txid"])
		case swap.EventCoopFailed:
			a.log.Warn("Cooperative claim failed", "swap_id", ev.SwapID, "error", ev.Data["error"])
		}
	})
	return nil
}

func (a *app) connectBackend(ctx context.Context) (backend.Backend, error) {
	be, err := backend.New(a.cfg.Backend, a.network)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Boltz.RequestTimeout)
	defer cancel()
	if err := be.Connect(ctx); err != nil {
		return nil, err
	}
	a.log.Info("Connected to block explorer", "type", be.Type(), "url", a.cfg.Backend.URL(a.network))
	return be, nil
}

func (a *app) feedDialer() *boltz.FeedDialer {
	url := a.cfg.Boltz.WSURL
	if url == "" {
		url = boltz.WebsocketURL(a.cfg.Boltz.APIURL)
	}
	return boltz.NewFeedDialer(boltz.FeedConfig{URL: url})
}

// close releases everything opened by the app.
func (a *app) close() {
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			a.log.Error("Error stopping swaps", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("Error closing journal", "error", err)
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// waitSwap blocks until the swap ends or the user interrupts.
func (a *app) waitSwap(ctx context.Context, s *swap.Session) error {
	state, err := a.manager.Wait(ctx, s.ID())
	if ctx.Err() != nil {
		a.log.Warn("Interrupted, swap left unfinished", "swap_id", s.ID(), "state", state)
		return nil
	}

	a.log.Info("========================================")
	a.log.Infof("  Swap %s %s", s.ID(), state)
	if txid := s.ClaimTxID(); txid != "" {
		a.log.Infof("  Claim transaction: %s", txid)
	}
	a.log.Info("========================================")

	if state != swap.StateSettled {
		if err == nil {
			err = fmt.Errorf("swap ended %s", state)
		}
		return err
	}
	return nil
}

// printBanner logs through the default logger set up by loadApp.
func printBanner(network chain.Network, apiURL string) {
	logging.Info("========================================")
	logging.Infof("  klingswap %s", version)
	logging.Infof("  Network: %s", network)
	logging.Infof("  Provider: %s", apiURL)
	logging.Info("========================================")
}
