package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/destiny-evidence/destiny-repository/pkg/blob"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/dispatch"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/manager"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to process exit codes: bad arguments exit 2,
// runtime failures exit 1
func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) || types.KindOf(err) == types.KindInvalidPayload {
		return 2
	}
	return 1
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func badUsage(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "destiny",
	Short: "Destiny - content-addressed bibliographic reference repository",
	Long: `Destiny ingests bibliographic references from upstream exports,
deduplicates them into canonical clusters, keeps a full-text search
projection consistent with the authoritative store, and dispatches
enhancement work to registered robots.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Destiny version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Override the data directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(robotCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	return cfg, nil
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repository: bus workers, lease sweeper, repair loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("listen")

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build repository: %w", err)
		}
		mgr.Start()
		fmt.Println("✓ Repository started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			h := mgr.CheckHealth()
			if !h.StoreOK || !h.IndexOK {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			fmt.Fprintf(w, "store=%t index=%t current=%s docs=%d bus_depth=%d\n",
				h.StoreOK, h.IndexOK, h.CurrentIndex, h.Documents, h.BusDepth)
		})
		srv := &http.Server{Addr: addr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		fmt.Printf("✓ Health and metrics on %s\n", addr)
		fmt.Println()
		fmt.Println("Repository is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		srv.Close()
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:9090", "Health/metrics listen address")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Ingest an NDJSON reference artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		policy, _ := cmd.Flags().GetString("policy")
		source, _ := cmd.Flags().GetString("source")
		processor, _ := cmd.Flags().GetString("processor")

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build repository: %w", err)
		}
		defer mgr.Stop()
		mgr.Start()

		f, err := os.Open(args[0])
		if err != nil {
			return badUsage("cannot open artifact: %v", err)
		}
		key := blob.ArtifactKey("imports", uuid.New())
		_, err = mgr.Blobs().Put(key, f)
		f.Close()
		if err != nil {
			return err
		}

		rec := &types.ImportRecord{
			ProcessorName: processor,
			SourceName:    source,
			SearchedAt:    time.Now(),
		}
		if err := mgr.Importer().CreateRecord(rec); err != nil {
			return err
		}
		batch := &types.ImportBatch{
			RecordID:        rec.ID,
			StorageURL:      mgr.Blobs().URL(key),
			CollisionPolicy: types.CollisionPolicy(policy),
		}
		if err := mgr.Importer().CreateBatch(batch); err != nil {
			return err
		}
		if err := mgr.EnqueueImport(batch.ID); err != nil {
			return err
		}
		fmt.Printf("Importing %s as batch %s\n", filepath.Base(args[0]), batch.ID)

		for {
			time.Sleep(200 * time.Millisecond)
			got, err := mgr.Store().GetImportBatch(batch.ID)
			if err != nil {
				return err
			}
			switch got.Status {
			case types.ImportBatchCompleted, types.ImportBatchPartiallyFailed, types.ImportBatchFailed:
				summary, err := mgr.Importer().Summarize(batch.ID)
				if err != nil {
					return err
				}
				fmt.Println(summary)
				if got.Status == types.ImportBatchFailed {
					return fmt.Errorf("import failed")
				}
				return nil
			}
		}
	},
}

func init() {
	importCmd.Flags().String("policy", string(types.CollisionMergeDefensive), "Collision policy: overwrite|append|merge_defensive|merge_aggressive")
	importCmd.Flags().String("source", "cli", "Upstream source name")
	importCmd.Flags().String("processor", "destiny-cli", "Processor name recorded on the import")
}

// --- index lifecycle ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the search index versions",
}

var indexMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Build the next index version and swap the alias",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Stop()
		name, err := mgr.MigrateIndex()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Alias now points at %s\n", name)
		return nil
	},
}

var indexRollbackCmd = &cobra.Command{
	Use:   "rollback VERSION",
	Short: "Point the alias back at a retired index version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return badUsage("version must be an integer, got %q", args[0])
		}
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Stop()
		if err := mgr.RollbackIndex(version); err != nil {
			return err
		}
		fmt.Printf("✓ Alias rolled back to version %d\n", version)
		fmt.Println("Note: documents written since the migration are missing; run 'destiny index repair'")
		return nil
	},
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recreate the current index empty and reproject the corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Stop()
		report, err := mgr.RebuildIndex()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Rebuilt: %d references reprojected\n", report.Reprojected)
		return nil
	},
}

var indexRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile the index against the authoritative store once",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Stop()
		report, err := mgr.RunRepair()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Repair: %d walked, %d reprojected, %d orphans removed\n",
			report.Walked, report.Reprojected, report.Orphans)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexMigrateCmd)
	indexCmd.AddCommand(indexRollbackCmd)
	indexCmd.AddCommand(indexRebuildCmd)
	indexCmd.AddCommand(indexRepairCmd)
}

// openManager builds the component graph without starting the workers;
// used by one-shot administrative commands
func openManager(cmd *cobra.Command) (*manager.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	mgr, err := manager.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	return mgr, nil
}

// --- robots ---

var robotCmd = &cobra.Command{
	Use:   "robot",
	Short: "Manage enhancement robots",
}

var robotRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a robot and print its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		owner, _ := cmd.Flags().GetString("owner")
		secret, _ := cmd.Flags().GetString("secret")
		if baseURL == "" {
			return badUsage("--base-url is required")
		}
		if secret == "" {
			return badUsage("--secret is required")
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Stop()

		robot := &types.Robot{
			ID:               uuid.New(),
			Name:             args[0],
			BaseURL:          baseURL,
			Owner:            owner,
			ClientSecretHash: dispatch.HashSecret(secret),
			CreatedAt:        time.Now(),
		}
		if err := mgr.Store().CreateRobot(robot); err != nil {
			return err
		}
		fmt.Printf("✓ Robot registered\n")
		fmt.Printf("  ID: %s\n", robot.ID)
		fmt.Printf("  Name: %s\n", robot.Name)
		fmt.Println("The plaintext secret is not stored; requests are signed with its digest.")
		return nil
	},
}

var robotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered robots",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Stop()

		robots, err := mgr.Store().ListRobots()
		if err != nil {
			return err
		}
		if len(robots) == 0 {
			fmt.Println("No robots registered")
			return nil
		}
		for _, r := range robots {
			fmt.Printf("%s  %s  %s\n", r.ID, r.Name, r.BaseURL)
		}
		return nil
	},
}

func init() {
	robotCmd.AddCommand(robotRegisterCmd)
	robotCmd.AddCommand(robotListCmd)

	robotRegisterCmd.Flags().String("base-url", "", "Robot callback base URL")
	robotRegisterCmd.Flags().String("owner", "", "Owning team or contact")
	robotRegisterCmd.Flags().String("secret", "", "Plaintext client secret (hashed at rest)")
}
