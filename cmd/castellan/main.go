package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/castellan/castellan/pkg/agent"
	"github.com/castellan/castellan/pkg/api"
	"github.com/castellan/castellan/pkg/config"
	"github.com/castellan/castellan/pkg/heartbeat"
	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/manager"
	"github.com/castellan/castellan/pkg/metrics"
	"github.com/castellan/castellan/pkg/registry"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
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
	Use:   "castellan",
	Short: "Castellan - cluster failure detection and partition recovery",
	Long: `Castellan is the membership authority of a task cluster. It probes
agent liveness, records admission transitions in a durable registry,
and recovers cleanly from network partitions and master failovers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Castellan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(devCmd)
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a Castellan master",
	Long: `Run a Castellan master node.

The master admits agents, probes their liveness, and serves the cluster
state API. With --replicated the durable registry is replicated across a
Raft quorum of masters; the first one is started with --bootstrap.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}

		var reg registry.Registry
		if cfg.Replicated {
			reg, err = registry.NewReplicatedRegistry(registry.ReplicatedConfig{
				NodeID:    cfg.NodeID,
				BindAddr:  cfg.BindAddr,
				DataDir:   cfg.DataDir,
				Bootstrap: cfg.Bootstrap,
			})
		} else {
			reg, err = registry.NewBoltRegistry(cfg.DataDir)
		}
		if err != nil {
			return fmt.Errorf("failed to open registry: %v", err)
		}

		bus := transport.NewLocalBus()
		mgrCfg := manager.DefaultConfig(cfg.NodeID)
		mgrCfg.StrictRegistry = cfg.StrictRegistry
		mgrCfg.AuthToken = cfg.AuthToken
		mgrCfg.Heartbeat = heartbeat.Config{
			Interval:        cfg.PingInterval,
			MaxPingTimeouts: cfg.MaxPingTimeouts,
		}

		mgr, err := manager.NewManager(mgrCfg, clock.New(), reg, bus)
		if err != nil {
			return fmt.Errorf("failed to create manager: %v", err)
		}
		mgr.Start()
		fmt.Printf("✓ Master %s started\n", cfg.NodeID)

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.APIAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		fmt.Printf("✓ API listening on %s\n", cfg.APIAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run an in-process cluster for development",
	Long: `Run a master plus a few agents inside one process, wired over the
in-memory transport. Useful for exercising the partition and recovery
machinery without real hosts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, _ := cmd.Flags().GetInt("agents")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		log.Init(log.Config{Level: log.DebugLevel})
		metrics.SetVersion(Version)

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}
		reg, err := registry.NewBoltRegistry(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open registry: %v", err)
		}

		bus := transport.NewLocalBus()
		clk := clock.New()

		mgrCfg := manager.DefaultConfig("master-dev")
		mgrCfg.Heartbeat = heartbeat.Config{Interval: 2 * time.Second, MaxPingTimeouts: 3}

		mgr, err := manager.NewManager(mgrCfg, clk, reg, bus)
		if err != nil {
			return fmt.Errorf("failed to create manager: %v", err)
		}
		mgr.Start()

		for i := 1; i <= agents; i++ {
			agentCfg := agent.DefaultConfig(fmt.Sprintf("agent-%d", i), "master-dev")
			agentCfg.PingInterval = 2 * time.Second
			agentCfg.MaxPingTimeouts = 3
			agentCfg.Resources = &types.AgentResources{CPUCores: 4, MemoryBytes: 8 << 30}
			a := agent.NewAgent(agentCfg, clk, bus)
			a.Start()
		}
		fmt.Printf("✓ Dev cluster started with %d agents\n", agents)

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		fmt.Printf("✓ API listening on %s\n", apiAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		return nil
	},
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("node-id") {
		cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	}
	if cmd.Flags().Changed("bind-addr") {
		cfg.BindAddr, _ = cmd.Flags().GetString("bind-addr")
	}
	if cmd.Flags().Changed("api-addr") {
		cfg.APIAddr, _ = cmd.Flags().GetString("api-addr")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("strict-registry") {
		cfg.StrictRegistry, _ = cmd.Flags().GetBool("strict-registry")
	}
	if cmd.Flags().Changed("replicated") {
		cfg.Replicated, _ = cmd.Flags().GetBool("replicated")
	}
	if cmd.Flags().Changed("bootstrap") {
		cfg.Bootstrap, _ = cmd.Flags().GetBool("bootstrap")
	}
	if cmd.Flags().Changed("auth-token") {
		cfg.AuthToken, _ = cmd.Flags().GetString("auth-token")
	}
	if cmd.Flags().Changed("ping-interval") {
		cfg.PingInterval, _ = cmd.Flags().GetDuration("ping-interval")
	}
	if cmd.Flags().Changed("max-ping-timeouts") {
		cfg.MaxPingTimeouts, _ = cmd.Flags().GetInt("max-ping-timeouts")
	}
}

func init() {
	masterCmd.Flags().String("config", "", "Path to YAML config file")
	masterCmd.Flags().String("node-id", "master-1", "Unique node ID")
	masterCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	masterCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address for the HTTP API")
	masterCmd.Flags().String("data-dir", "./castellan-data", "Data directory for the registry")
	masterCmd.Flags().Bool("strict-registry", true, "Gate admission transitions on durable registry writes")
	masterCmd.Flags().Bool("replicated", false, "Replicate the registry across a Raft quorum")
	masterCmd.Flags().Bool("bootstrap", true, "Bootstrap a new registry quorum")
	masterCmd.Flags().String("auth-token", "", "Token agents must present to reregister")
	masterCmd.Flags().Duration("ping-interval", 15*time.Second, "Agent liveness probe interval")
	masterCmd.Flags().Int("max-ping-timeouts", 5, "Consecutive missed pings before an agent is unreachable")

	devCmd.Flags().Int("agents", 3, "Number of in-process agents")
	devCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address for the HTTP API")
	devCmd.Flags().String("data-dir", "./castellan-dev", "Data directory for the registry")
}
