// Package main is the CLI entry point for sitecap.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quarterlit/sitecap/internal/config"
	"github.com/quarterlit/sitecap/internal/daemon"
	"github.com/quarterlit/sitecap/internal/domain"
	"github.com/quarterlit/sitecap/internal/infra"
	"github.com/quarterlit/sitecap/internal/ruleset"
	"github.com/quarterlit/sitecap/internal/scheduler"
	"github.com/quarterlit/sitecap/internal/syncer"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sitecap",
	Short: "Site time tracker - enforces daily browsing limits",
	Long: `sitecap is the native engine behind the browser extension. It tracks
time spent on sites, enforces hard and soft daily limits, prompts for
session intentions, and syncs usage to a remote endpoint.

The run command speaks the extension's native messaging protocol on
stdin/stdout; the other commands inspect local state.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracking engine (native messaging host)",
	Long: `Runs the engine attached to the browser extension over stdin/stdout.
The browser launches this automatically as a native messaging host;
running it by hand is only useful for debugging with piped frames.`,
	RunE: runEngine,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine configuration and rule summary",
	RunE:  runStatus,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show tracked usage per site",
	Long:  `Shows time spent against the limit for every site tracked today, most recent first.`,
	RunE:  runUsage,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show compiled rules and the sites they cover",
	RunE:  runRules,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config file")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "sitecap", "config.toml")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Stdout belongs to the native messaging channel; logs go to a file.
	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	keys := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := keys.EnsureKey()
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}

	store, err := infra.NewUsageStore(cfg.DataDir, key)
	if err != nil {
		return fmt.Errorf("failed to open usage store: %w", err)
	}
	defer store.Close()

	deviceID, err := ensureDeviceID(cmd.Context(), store)
	if err != nil {
		return err
	}

	rules, err := infra.NewFileRuleSource(cfg.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("failed to watch rules file: %w", err)
	}
	defer rules.Close()

	var transport domain.SyncTransport
	if cfg.SyncEndpoint != "" && cfg.SyncEndpoint != "local" {
		ht := infra.NewHTTPSyncTransport(cfg.SyncEndpoint, logger)
		defer ht.Close()
		transport = ht
	} else {
		transport = infra.NopSyncTransport{}
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	bridge := infra.NewBridge(os.Stdout, logger)
	sched := scheduler.New(scheduler.Config{
		TickInterval: time.Duration(cfg.TickInterval),
		ResetTime:    cfg.ResetTime.ResetTime,
	}, store, bridge, bridge, domain.SystemClock{}, logger)
	bridge.SetHandler(sched)

	agent := syncer.New(sched, transport, cfg.UserID, deviceID,
		time.Duration(cfg.SyncInterval), logger)

	var focus <-chan domain.TabEvent
	if cfg.ScreenLockEvents {
		watch := infra.NewScreenLockWatch(logger)
		go func() {
			if err := watch.Run(ctx); err != nil {
				logger.Warn("screen lock watch stopped", zap.Error(err))
			}
		}()
		focus = watch.Events()
	}

	go func() {
		if err := bridge.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("bridge reader stopped", zap.Error(err))
		}
	}()

	engineCfg := daemon.DefaultEngineConfig()
	engineCfg.SyncInterval = time.Duration(cfg.SyncInterval)

	engine := daemon.NewEngine(engineCfg, sched, agent, rules,
		bridge.Events(), focus, infra.NewBrowserProbe(cfg.BrowserPID), logger)

	err = engine.Run(ctx)
	switch {
	case errors.Is(err, daemon.ErrHostGone):
		// Normal exit path: the browser closed the messaging channel.
		logger.Info("host gone, exiting")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// ensureDeviceID returns the stable per-installation device id, minting
// one on first run.
func ensureDeviceID(ctx context.Context, store domain.UsageStore) (string, error) {
	id, err := store.GetMeta(ctx, "device_id")
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := store.SetMeta(ctx, "device_id", id); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	return id, nil
}

func createLogger(cfg *config.Config) *zap.Logger {
	if cfg.Debug {
		// Development logger writes to stderr; stdout stays clean for the
		// messaging channel.
		logger, _ := zap.NewDevelopment()
		return logger
	}

	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{filepath.Join(cfg.DataDir, "sitecap.log")}
	zcfg.ErrorOutputPaths = []string{filepath.Join(cfg.DataDir, "sitecap.error.log")}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails.
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(zcfg.EncoderConfig),
			zapcore.Lock(os.Stderr),
			zap.NewAtomicLevelAt(zap.InfoLevel),
		))
	}
	return logger
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("=== sitecap Status ===")
	fmt.Printf("Config:        %s\n", configPath)
	fmt.Printf("Data dir:      %s\n", cfg.DataDir)
	fmt.Printf("Rules file:    %s\n", cfg.RulesFile)
	fmt.Printf("Reset time:    %s\n", cfg.ResetTime.ResetTime)
	fmt.Printf("Tick interval: %s\n", time.Duration(cfg.TickInterval))
	fmt.Printf("Sync interval: %s\n", time.Duration(cfg.SyncInterval))
	if cfg.SyncEndpoint == "" || cfg.SyncEndpoint == "local" {
		fmt.Println("Sync:          local only")
	} else {
		fmt.Printf("Sync:          %s\n", cfg.SyncEndpoint)
	}

	idx, err := loadIndex(cmd.Context(), cfg)
	if err != nil {
		fmt.Printf("Rules:         unavailable (%v)\n", err)
		return nil
	}
	hard, soft, session := 0, 0, 0
	for _, r := range idx.Rules {
		switch r.Type {
		case domain.RuleHard:
			hard++
		case domain.RuleSoft:
			soft++
		case domain.RuleSession:
			session++
		}
	}
	fmt.Printf("Rules:         %d hard, %d soft, %d session (%d sites covered)\n",
		hard, soft, session, len(idx.Reverse))
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	keys := infra.NewFileKeyProvider(cfg.DataDir)
	if !keys.KeyExists() {
		fmt.Println("No usage recorded yet.")
		return nil
	}
	key, err := keys.GetKey()
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}
	store, err := infra.NewUsageStore(cfg.DataDir, key)
	if err != nil {
		return fmt.Errorf("failed to open usage store: %w", err)
	}
	defer store.Close()

	records, err := store.All(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No usage recorded yet.")
		return nil
	}

	fmt.Printf("%-30s %10s %10s  %s\n", "SITE", "SPENT", "LIMIT", "LAST UPDATED")
	for _, rec := range records {
		limit := "-"
		if rec.TimeLimit > 0 {
			limit = formatSecs(rec.TimeLimit)
		}
		fmt.Printf("%-30s %10s %10s  %s\n",
			rec.Site, formatSecs(rec.TimeSpent), limit,
			rec.LastUpdated.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	idx, err := loadIndex(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if len(idx.Rules) == 0 {
		fmt.Println("No rules configured.")
		return nil
	}

	ids := make([]string, 0, len(idx.Rules))
	for id := range idx.Rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := idx.Rules[id]
		fmt.Printf("%s [%s] limit=%s", r.ID, r.Type, formatSecs(r.TimeLimitSecs))
		if r.Type == domain.RuleSoft {
			fmt.Printf(" extensions=%dx%s", r.PlusOnes, formatSecs(r.PlusOneDuration))
		}
		fmt.Println()

		sites := make([]string, 0, len(r.Sites))
		for s := range r.Sites {
			sites = append(sites, string(s))
		}
		sort.Strings(sites)
		for _, s := range sites {
			fmt.Printf("  - %s\n", s)
		}
	}
	return nil
}

func loadIndex(ctx context.Context, cfg *config.Config) (*ruleset.Index, error) {
	src, err := infra.NewFileRuleSource(cfg.RulesFile, zap.NewNop())
	if err != nil {
		return nil, err
	}
	defer src.Close()

	rules, groups, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	return ruleset.Compile(rules, groups, zap.NewNop()), nil
}

func formatSecs(secs int) string {
	return (time.Duration(secs) * time.Second).String()
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("sitecap %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
