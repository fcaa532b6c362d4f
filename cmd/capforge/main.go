package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"capforge/internal/artifact"
	"capforge/internal/config"
	"capforge/internal/contract"
	"capforge/internal/lifecycle"
	"capforge/internal/logging"
	"capforge/internal/orchestrator"
	"capforge/internal/provider"
	"capforge/internal/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	sessionID  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "capforge",
	Short: "capforge - capability synthesis runtime",
	Long: `capforge turns named capability requests into executable behavior.

A request names a role and an operation. If a validated program for that
capability already exists and is safe to replay, it runs immediately; if
not, one is generated, checked against the guardrails, executed in
isolation, and repaired within bounded budgets before anything reaches
the caller. Programs earn durability through use: candidate, probation,
durable, with demotion and rollback when the evidence collapses.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zapcore.InfoLevel
		if verbose {
			level = zapcore.DebugLevel
		}
		logger, err := logging.NewDevelopment(level)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Install(logger)
		return nil
	},
}

// runCmd executes a single capability request
var runCmd = &cobra.Command{
	Use:   "run [role] [operation]",
	Short: "Execute one capability request",
	Long: `Resolves a single capability request end to end.

Example:
  capforge run calculator add --input '{"value": 5}' --require total`,
	Args: cobra.ExactArgs(2),
	RunE: runCapability,
}

// artifactsCmd lists stored capability records
var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List stored capability artifacts",
	RunE:  listArtifacts,
}

// showCmd prints one capability record with its version lineage
var showCmd = &cobra.Command{
	Use:   "show [role] [operation]",
	Short: "Show one capability record and its version lineage",
	Args:  cobra.ExactArgs(2),
	RunE:  showArtifact,
}

// promoteCmd runs the promotion gate over a capability's probation version
var promoteCmd = &cobra.Command{
	Use:   "promote [role] [operation]",
	Short: "Evaluate the promotion gate for a capability's probation version",
	Long: `Runs the reliability gate over the newest probation version.

With --shadow the decision is computed and printed but the stage does not
change, so a policy can be rehearsed against live evidence first.`,
	Args: cobra.ExactArgs(2),
	RunE: promoteCapability,
}

// statsCmd summarizes the execution history
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recorded executions",
	RunE:  showStats,
}

// initCmd writes a default configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

var (
	inputJSON    string
	purpose      string
	requiredKeys []string
	showRecent   int
	shadowGate   bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "capforge.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "cli", "session identifier for shared state")

	runCmd.Flags().StringVarP(&inputJSON, "input", "i", "", "call input as a JSON object")
	runCmd.Flags().StringVar(&purpose, "purpose", "", "one-line purpose used when generating a new program")
	runCmd.Flags().StringSliceVar(&requiredKeys, "require", nil, "keys the result object must contain")

	statsCmd.Flags().IntVar(&showRecent, "recent", 10, "recent executions to list")
	promoteCmd.Flags().BoolVar(&shadowGate, "shadow", false, "evaluate without changing the stage")

	rootCmd.AddCommand(runCmd, artifactsCmd, showCmd, promoteCmd, statsCmd, initCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider.Backend {
	case "genai":
		return provider.NewGenAIProvider(cfg.Provider, cfg.GetProviderTimeout())
	case "http":
		return provider.NewHTTPProvider(cfg.Provider, cfg.GetProviderTimeout()), nil
	case "mock":
		return provider.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Provider.Backend)
	}
}

func buildRuntime(cfg *config.Config) (*orchestrator.Runtime, *artifact.Store, error) {
	p, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := artifact.NewStore(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	var tel *telemetry.Store
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewStore(cfg.Telemetry.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
	}
	return orchestrator.New(cfg, p, store, tel), store, nil
}

func runCapability(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, store, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	if cfg.Store.WatchForReload {
		w, err := artifact.NewWatcher(store, nil)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}()

	call := orchestrator.Call{
		Role:      args[0],
		Operation: args[1],
		Purpose:   purpose,
		SessionID: sessionID,
	}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &call.Input); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}
	}
	if len(requiredKeys) > 0 {
		call.Contract = &contract.Contract{RequiredKeys: requiredKeys}
	}

	res := rt.Execute(ctx, call)
	if res.Outcome.IsError() {
		fmt.Printf("error [%s]%s: %s\n", res.Outcome.ErrorType, retriableTag(res.Outcome.Retriable), res.Outcome.ErrorMessage)
	} else {
		rendered, err := json.MarshalIndent(res.Outcome.Value, "", "  ")
		if err != nil {
			rendered = []byte(fmt.Sprintf("%v", res.Outcome.Value))
		}
		fmt.Println(string(rendered))
	}
	fmt.Printf("\n%s in %s (attempts: %d, provider calls: %d)\n",
		resolution(res), res.Elapsed.Round(time.Millisecond), res.Attempts, res.ProviderHits)
	if res.Outcome.IsError() {
		os.Exit(1)
	}
	return nil
}

func retriableTag(retriable bool) string {
	if retriable {
		return " (retriable)"
	}
	return ""
}

func resolution(res orchestrator.Result) string {
	if res.CacheHit {
		return "replayed stored program"
	}
	if res.MissReason != "" {
		return fmt.Sprintf("generated fresh program (%s)", res.MissReason)
	}
	return "resolved"
}

func listArtifacts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := artifact.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	records, err := store.LoadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no artifacts yet")
		return nil
	}
	for _, rec := range records {
		latest := rec.Latest()
		stage := "-"
		if latest != nil {
			stage = string(latest.Stage)
		}
		fmt.Printf("%-40s versions=%d calls=%d stage=%s\n",
			rec.ID.String(), len(rec.Versions), rec.TotalCalls, stage)
	}
	return nil
}

func showArtifact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := artifact.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	rec, err := store.Load(artifact.CapabilityID{Role: args[0], Operation: args[1]})
	if err != nil {
		return err
	}
	if len(rec.Versions) == 0 {
		fmt.Printf("no versions for %s/%s\n", args[0], args[1])
		return nil
	}

	fmt.Printf("capability: %s\n", rec.ID.String())
	if rec.Purpose != "" {
		fmt.Printf("purpose:    %s\n", rec.Purpose)
	}
	if !rec.Manifest.Empty() {
		fmt.Printf("manifest:   %s\n", rec.Manifest.String())
	}
	fmt.Printf("calls:      %d\n", rec.TotalCalls)
	fmt.Printf("lineage:    %s\n\n", rec.Lineage())

	for i := len(rec.Versions) - 1; i >= 0; i-- {
		v := &rec.Versions[i]
		sc := &v.Scorecard
		fmt.Printf("version %s\n", v.ID)
		fmt.Printf("  stage=%s cacheable=%v", v.Stage, v.Cacheable)
		if v.CacheReason != "" {
			fmt.Printf(" (%s)", v.CacheReason)
		}
		fmt.Println()
		fmt.Printf("  calls=%d successes=%d pass_rate=%.2f coherence=%.2f sessions=%d\n",
			sc.Calls, sc.Successes, sc.PassRate(), sc.CoherenceRatio(), len(sc.Sessions))
		if v.Trigger.Stage != "" {
			fmt.Printf("  trigger: %s %s\n", v.Trigger.Stage, firstLine(v.Trigger.Message))
		}
		fmt.Println()
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func promoteCapability(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if shadowGate {
		cfg.Lifecycle.ShadowMode = true
	}
	store, err := artifact.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	rec, err := store.Load(artifact.CapabilityID{Role: args[0], Operation: args[1]})
	if err != nil {
		return err
	}

	var target *artifact.Version
	for i := len(rec.Versions) - 1; i >= 0; i-- {
		if rec.Versions[i].Stage == artifact.StageProbation {
			target = &rec.Versions[i]
			break
		}
	}
	if target == nil {
		fmt.Printf("no probation version for %s/%s\n", args[0], args[1])
		return nil
	}

	mgr := lifecycle.NewManager(lifecycle.PolicyFromConfig(cfg.Lifecycle), nil)
	decision := mgr.Evaluate(rec, target)

	fmt.Printf("version:   %s\n", target.ID)
	fmt.Printf("policy:    %s\n", decision.Policy)
	fmt.Printf("coherence: %.2f\n", decision.Coherence)
	if decision.Promote {
		verdict := "promoted to durable"
		if decision.Shadow {
			verdict = "would promote (shadow, stage unchanged)"
		}
		fmt.Println(verdict)
	} else {
		fmt.Println("withheld:")
		for _, reason := range decision.Reasons {
			fmt.Printf("  - %s\n", reason)
		}
	}
	if !decision.Shadow {
		return store.Save(rec)
	}
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Telemetry.Enabled {
		fmt.Println("telemetry is disabled")
		return nil
	}
	tel, err := telemetry.NewStore(cfg.Telemetry.DatabasePath)
	if err != nil {
		return err
	}
	defer tel.Close()

	stats, err := tel.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("executions:     %d\n", stats.Total)
	fmt.Printf("successes:      %d\n", stats.Successes)
	fmt.Printf("failures:       %d\n", stats.Failures)
	fmt.Printf("provider calls: %d\n", stats.ProviderCalls)
	if len(stats.ByCapability) > 0 {
		fmt.Println("\nby capability:")
		for cap, count := range stats.ByCapability {
			fmt.Printf("  %-30s %d\n", cap, count)
		}
	}

	recent, err := tel.Recent(showRecent)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println("\nrecent:")
		for _, e := range recent {
			status := e.Status
			if e.ErrorType != "" {
				status = e.ErrorType
			}
			fmt.Printf("  %-30s %-24s attempts=%d\n", e.Role+"/"+e.Operation, status, e.Attempts)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
