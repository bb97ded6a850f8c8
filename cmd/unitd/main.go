// Command unitd is the manager daemon and its control CLI bundled into one
// binary, cobra-rooted the way cmd/warren is: a "run" subcommand starts the
// long-lived process, while the rest (list/show/deps/start/stop/reload/
// restart/status) are thin pkg/client callers talking to a running daemon
// over its control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/unitd/pkg/api"
	"github.com/cuemby/unitd/pkg/client"
	"github.com/cuemby/unitd/pkg/config"
	"github.com/cuemby/unitd/pkg/log"
	"github.com/cuemby/unitd/pkg/manager"
	"github.com/cuemby/unitd/pkg/metrics"
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
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "unitd",
	Short: "unitd - a dependency-aware unit and job manager",
	Long: `unitd loads unit fragments describing services, mounts, targets,
sockets, and timers, resolves their dependency graph, and drives a
single-threaded job engine that brings units to their desired state
in dependency order.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"unitd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("socket", config.DefaultSocketPath, "Control API Unix socket path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listUnitsCmd)
	rootCmd.AddCommand(showUnitCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// --- Daemon ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the unitd manager daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.ApplyEnvOverrides()
		if v, _ := cmd.Flags().GetString("socket"); v != "" {
			cfg.SocketPath = v
		}
		if unitPath, _ := cmd.Flags().GetStringSlice("unit-path"); len(unitPath) > 0 {
			cfg.UnitPath = unitPath
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		metrics.SetVersion(Version)

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to construct manager: %w", err)
		}
		if err := mgr.LoadAll(); err != nil {
			return fmt.Errorf("failed to load units: %w", err)
		}
		if err := mgr.ReconcileMountTable(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: initial mount table reconcile failed: %v\n", err)
		}
		mgr.Start()
		fmt.Println("unitd: manager started")

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.ListenAndServe(cfg.SocketPath); err != nil {
				errCh <- fmt.Errorf("control API error: %w", err)
			}
		}()
		fmt.Printf("unitd: control API listening on %s\n", cfg.SocketPath)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nunitd: shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nunitd: %v\n", err)
		}

		if err := apiServer.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "unitd: control API shutdown error: %v\n", err)
		}
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("failed to shut down manager: %w", err)
		}
		fmt.Println("unitd: shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().StringSlice("unit-path", nil, "Override the unit search path (defaults to config.DefaultUnitPath)")
	runCmd.Flags().String("data-dir", "", "Override the data directory")
}

// --- CLI subcommands (pkg/client callers) ---

func newClient(cmd *cobra.Command) *client.Client {
	socket, _ := cmd.Flags().GetString("socket")
	return client.New(socket)
}

func clientCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

var listUnitsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all loaded units",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()

		units, err := newClient(cmd).ListUnits(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "UNIT\tTYPE\tLOAD\tACTIVE")
		for _, u := range units {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Name, u.Type, u.LoadState, u.ActiveState)
		}
		return tw.Flush()
	},
}

var showUnitCmd = &cobra.Command{
	Use:   "show [unit]",
	Short: "Show a single unit's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()

		u, err := newClient(cmd).GetUnit(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Name:        %s\n", u.Name)
		fmt.Printf("Type:        %s\n", u.Type)
		fmt.Printf("Load state:  %s\n", u.LoadState)
		fmt.Printf("Active:      %s\n", u.ActiveState)
		if u.Description != "" {
			fmt.Printf("Description: %s\n", u.Description)
		}
		return nil
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps [unit]",
	Short: "Show a unit's dependency edges by relation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()

		edges, err := newClient(cmd).Dependencies(ctx, args[0])
		if err != nil {
			return err
		}
		for rel, peers := range edges {
			fmt.Printf("%s:\n", rel)
			for _, p := range peers {
				fmt.Printf("  %s\n", p)
			}
		}
		return nil
	},
}

func jobCommand(use, short, jobVerb string, run func(c *client.Client, ctx context.Context, name, mode string) (client.JobResult, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, _ := cmd.Flags().GetString("mode")
			ctx, cancel := clientCtx()
			defer cancel()

			res, err := run(newClient(cmd), ctx, args[0], mode)
			if err != nil {
				return err
			}
			fmt.Printf("%s: queued %d unit(s): %v\n", jobVerb, res.UnitCount, res.Units)
			return nil
		},
	}
	cmd.Flags().String("mode", "replace", "Job mode: replace, fail, isolate, ignore-requirements")
	return cmd
}

var startCmd = jobCommand("start [unit]", "Start a unit", "start", func(c *client.Client, ctx context.Context, name, mode string) (client.JobResult, error) {
	return c.StartUnit(ctx, name, mode)
})

var stopCmd = jobCommand("stop [unit]", "Stop a unit", "stop", func(c *client.Client, ctx context.Context, name, mode string) (client.JobResult, error) {
	return c.StopUnit(ctx, name, mode)
})

var reloadCmd = jobCommand("reload [unit]", "Reload a unit", "reload", func(c *client.Client, ctx context.Context, name, mode string) (client.JobResult, error) {
	return c.ReloadUnit(ctx, name, mode)
})

var restartCmd = jobCommand("restart [unit]", "Restart a unit", "restart", func(c *client.Client, ctx context.Context, name, mode string) (client.JobResult, error) {
	return c.RestartUnit(ctx, name, mode)
})

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()

		if newClient(cmd).Healthy(ctx) {
			fmt.Println("unitd: reachable")
			return nil
		}
		return fmt.Errorf("unitd: not reachable on %s", mustSocket(cmd))
	},
}

func mustSocket(cmd *cobra.Command) string {
	s, _ := cmd.Flags().GetString("socket")
	return s
}
