package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/paybridge/facilitator/internal/audit"
	"github.com/paybridge/facilitator/internal/bridge"
	"github.com/paybridge/facilitator/internal/bridgestore"
	"github.com/paybridge/facilitator/internal/bridgeworker"
	"github.com/paybridge/facilitator/internal/chainclient"
	"github.com/paybridge/facilitator/internal/config"
	"github.com/paybridge/facilitator/internal/crosschain"
	"github.com/paybridge/facilitator/internal/facilitator"
	"github.com/paybridge/facilitator/internal/httpserver"
	"github.com/paybridge/facilitator/internal/metrics"
	"github.com/paybridge/facilitator/internal/nonce"
	"github.com/paybridge/facilitator/internal/scheme/exactevm"
	"github.com/paybridge/facilitator/internal/x402"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "facilitatord",
		Short:   "Cross-chain x402 payment facilitator",
		Version: version,
	}

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newBridgeCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Inspect and manage bridge jobs",
	}
	cmd.AddCommand(newBridgeListCmd())
	cmd.AddCommand(newBridgeShowCmd())
	cmd.AddCommand(newBridgeCancelCmd())
	return cmd
}

func newBridgeListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bridge jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridgeList(status, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, bridging, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func newBridgeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a single bridge job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridgeShow(args[0])
		},
	}
}

func newBridgeCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending bridge job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridgeCancel(args[0])
		},
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (bridgestore.Store, error) {
	store, err := bridgestore.New(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing bridge store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func runBridgeList(status string, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.List(context.Background(), bridgestore.Status(status), limit)
	if err != nil {
		return fmt.Errorf("listing bridge jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No bridge jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tDESTINATION\tAMOUNT\tATTEMPTS\tUPDATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			job.ID, job.Status, job.SourceNetwork, job.DestinationNetwork,
			job.Amount, job.Attempts, job.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runBridgeShow(id string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.GetByID(context.Background(), id)
	if err != nil {
		return fmt.Errorf("fetching bridge job: %w", err)
	}

	fmt.Printf("ID:                  %s\n", job.ID)
	fmt.Printf("Status:              %s\n", job.Status)
	fmt.Printf("Idempotency key:     %s\n", job.IdempotencyKey)
	fmt.Printf("Source network:      %s\n", job.SourceNetwork)
	fmt.Printf("Source tx:           %s\n", job.SourceTxHash)
	fmt.Printf("Destination network: %s\n", job.DestinationNetwork)
	fmt.Printf("Destination address: %s\n", job.DestinationPayTo)
	fmt.Printf("Amount:              %s\n", job.Amount)
	fmt.Printf("Attempts:            %d\n", job.Attempts)
	if job.LastError != "" {
		fmt.Printf("Last error:          %s\n", job.LastError)
	}
	fmt.Printf("Created:             %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:             %s\n", job.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runBridgeCancel(id string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	auditLogger := audit.New(logger)
	worker := bridgeworker.New(store, nil, nil, auditLogger, logger, cfg.Bridge)

	if err := worker.Cancel(context.Background(), id); err != nil {
		return fmt.Errorf("cancelling bridge job: %w", err)
	}
	fmt.Printf("bridge job %s cancelled\n", id)
	return nil
}

// runServe wires every domain component named in the facilitator's
// design and starts the HTTP server, mirroring the config -> logger ->
// storage -> server -> graceful-shutdown sequence the rest of this
// codebase's daemons use.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg)
	logger.Info("starting facilitatord", "version", version)
	metrics.Init(cfg.Metrics.Enabled)

	settlementSigner, err := crypto.HexToECDSA(cfg.Signing.EVMPrivateKeyHex)
	if err != nil {
		return fmt.Errorf("parsing EVM_PRIVATE_KEY: %w", err)
	}
	bridgeSigner, err := crypto.HexToECDSA(cfg.Signing.BridgeEVMPrivateKeyHex)
	if err != nil {
		return fmt.Errorf("parsing BRIDGE_EVM_PRIVATE_KEY: %w", err)
	}
	settlementAddr := crypto.PubkeyToAddress(settlementSigner.PublicKey)
	logger.Info("loaded settlement signer", "address", settlementAddr.Hex())

	networks := configuredNetworks(cfg)
	if len(networks) == 0 {
		return fmt.Errorf("no chains configured: set EVM_RPC_URL or a per-network *_RPC_URL")
	}

	chains := make(map[string]*chainclient.Client, len(networks))
	for _, network := range networks {
		chainCfg := cfg.Chains[network]
		client, err := chainclient.Dial(context.Background(), chainCfg)
		if err != nil {
			return fmt.Errorf("dialing chain %s: %w", network, err)
		}
		chains[network] = client
		logger.Info("dialed chain", "network", network)
	}

	domainReaders := make(map[string]exactevm.DomainReader, len(chains))
	nonceReaders := make(map[string]nonce.ChainReader, len(chains))
	bridgeOps := make(map[string]bridge.ChainOps, len(chains))
	confirmers := make(map[string]bridgeworker.ChainConfirmer, len(chains))
	for network, client := range chains {
		domainReaders[network] = client
		nonceReaders[network] = client
		bridgeOps[network] = client
		confirmers[network] = client
	}

	domains := exactevm.NewDomainCache(domainReaders)
	nonces := nonce.New(nonceReaders)

	builder := facilitator.NewBuilder(logger)
	exactSchemes := make(map[string]x402.Scheme, len(chains))
	for _, network := range networks {
		scheme := exactevm.New(network, chains[network], domains, nonces, settlementSigner, cfg.Signing.DeployERC4337WithEIP6492)
		exactSchemes[network] = scheme
		builder.RegisterScheme(scheme, nil)
	}

	var store bridgestore.Store
	var worker *bridgeworker.Worker
	if cfg.Bridge.Enabled {
		store, err = bridgestore.New(cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("initializing bridge store: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("running bridge store migrations: %w", err)
		}

		usdcAllowlist := make(map[string]string, len(networks))
		for _, network := range networks {
			usdcAllowlist[network] = cfg.Chains[network].USDCAsset
		}
		provider := bridge.NewSimpleProvider(bridgeOps, usdcAllowlist, bridgeSigner, nonces)
		auditLogger := audit.New(logger)
		worker = bridgeworker.New(store, provider, confirmers, auditLogger, logger, cfg.Bridge)

		if err := worker.RecoverStale(context.Background()); err != nil {
			logger.Error("bridge job recovery scan failed", "error", err)
		}
		recoveryCtx, cancelRecovery := context.WithCancel(context.Background())
		defer cancelRecovery()
		go worker.Run(recoveryCtx)

		for _, network := range networks {
			router := facilitator.NewCrossChainRouter(network, exactSchemes[network], provider, settlementAddr.Hex(), worker, true)
			builder.RegisterScheme(router, nil)
		}
		builder.RegisterExtensionKey(crosschain.ExtensionKey)
	}

	builder.RegisterSigner("evm", settlementAddr.Hex())
	fac := builder.Build()

	srv := httpserver.New(cfg, fac, worker, store, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// configuredNetworks returns the CAIP-2 networks with a non-empty RPC
// URL, sorted for deterministic dial order.
func configuredNetworks(cfg *config.Config) []string {
	networks := make([]string, 0, len(cfg.Chains))
	for network, chainCfg := range cfg.Chains {
		if chainCfg.RPCURL != "" {
			networks = append(networks, network)
		}
	}
	sort.Strings(networks)
	return networks
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}

	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
