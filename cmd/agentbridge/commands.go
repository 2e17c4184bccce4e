package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hollis-dev/agentbridge/internal/agent"
	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/events"
	"github.com/hollis-dev/agentbridge/internal/health"
	"github.com/hollis-dev/agentbridge/internal/journal"
	"github.com/hollis-dev/agentbridge/internal/logging"
	"github.com/hollis-dev/agentbridge/internal/mcp"
	"github.com/hollis-dev/agentbridge/internal/resource"
)

var (
	serveAgent string
	jsonOutput bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAgent, "agent", "", "agent to start and monitor at boot")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(versionCmd)
}

// newSupervisor builds the standard service stack for one-shot commands.
func newSupervisor() (*agent.Supervisor, *apiclient.Client, *resource.Tracker) {
	api := apiclient.New(cfg.Server.BaseURL(), cfg.Server.Timeout, cfg.Retry)
	tracker := resource.NewTracker()
	validator := agent.NewValidator(api, cfg)
	return agent.NewSupervisor(cfg, validator, tracker), api, tracker
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printInfo(info agent.Info) error {
	if jsonOutput {
		return printJSON(info)
	}
	fmt.Printf("%-8s %-9s", info.Type, info.Status)
	if info.Version != "" {
		fmt.Printf("  %s", info.Version)
	}
	if info.PID != 0 {
		fmt.Printf("  pid=%d port=%d", info.PID, info.Port)
	}
	if !info.Installed {
		fmt.Print("  (not installed)")
	}
	fmt.Println()
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server, event bridge and health monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		sup, api, tracker := newSupervisor()
		bridge := events.NewBridge(api, cfg.Bridge, cfg.Retry)
		healthMon := health.NewMonitor(api, cfg.Bridge.HeartbeatInterval)

		var j *journal.Journal
		if cfg.Journal.Enabled {
			var err error
			j, err = journal.Open(cfg.Journal.Path, cfg.Journal.Keep)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()
			if err := j.Prune(ctx); err != nil {
				logging.Warn("journal prune failed", "error", err)
			}
			bridge.AddSink(journal.NewSink(j))
		}

		srv := mcp.New(sup, api, healthMon, j, Version)
		bridge.AddSink(srv.NotificationSink())
		bridge.AddScreenSink(srv.NotificationSink())

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return bridge.Run(gctx) })
		g.Go(func() error { return healthMon.Run(gctx) })

		if serveAgent != "" {
			t, err := config.ParseAgentType(serveAgent)
			if err != nil {
				return err
			}
			info, err := sup.Start(gctx, t)
			if err != nil {
				return fmt.Errorf("start %s: %w", t, err)
			}
			logging.Info("agent started", "agent", t, "pid", info.PID)
			if cfg.Agent(t).AutoReconnect {
				g.Go(func() error { return sup.Monitor(gctx, t) })
			}
		}

		logging.Info("agentbridge serving", "version", Version, "api", cfg.Server.BaseURL())

		stdioErr := make(chan error, 1)
		go func() { stdioErr <- srv.ServeStdio() }()

		var runErr error
		select {
		case <-gctx.Done():
		case runErr = <-stdioErr:
		}
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cleanupCancel()
		if err := tracker.CleanupAll(cleanupCtx); err != nil {
			logging.Error("shutdown cleanup failed", "error", err)
		}
		return runErr
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe every known agent: installed, version, running state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		sup, _, _ := newSupervisor()
		infos, err := sup.DetectAll(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(infos)
		}

		types := make([]string, 0, len(infos))
		for t := range infos {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			if err := printInfo(infos[config.AgentType(t)]); err != nil {
				return err
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <agent>",
	Short: "Fresh status snapshot for one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentOp(args[0], func(ctx context.Context, sup *agent.Supervisor, t config.AgentType) (agent.Info, error) {
			return sup.GetStatus(ctx, t)
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install <agent>",
	Short: "Run the configured installer for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := config.ParseAgentType(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		sup, _, _ := newSupervisor()
		if err := sup.Install(ctx, t); err != nil {
			return err
		}
		fmt.Printf("%s installed\n", t)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <agent>",
	Short: "Start an agent behind the agentapi server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentOp(args[0], func(ctx context.Context, sup *agent.Supervisor, t config.AgentType) (agent.Info, error) {
			return sup.Start(ctx, t)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <agent>",
	Short: "Stop an agent's server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentOp(args[0], func(ctx context.Context, sup *agent.Supervisor, t config.AgentType) (agent.Info, error) {
			return sup.Stop(ctx, t)
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <agent>",
	Short: "Stop then start an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentOp(args[0], func(ctx context.Context, sup *agent.Supervisor, t config.AgentType) (agent.Info, error) {
			return sup.Restart(ctx, t)
		})
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <agent>",
	Short: "Make another agent the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentOp(args[0], func(ctx context.Context, sup *agent.Supervisor, t config.AgentType) (agent.Info, error) {
			return sup.SwitchTo(ctx, t)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the active agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		api := apiclient.New(cfg.Server.BaseURL(), cfg.Server.Timeout, cfg.Retry)
		if err := api.SendMessage(ctx, args[0], apiclient.MessageTypeUser); err != nil {
			return err
		}
		fmt.Println("message sent")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentbridge %s\n", Version)
	},
}

// agentOp runs one supervisor operation against a named agent and prints
// the resulting snapshot.
func agentOp(name string, op func(context.Context, *agent.Supervisor, config.AgentType) (agent.Info, error)) error {
	t, err := config.ParseAgentType(name)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	sup, _, _ := newSupervisor()
	info, err := op(ctx, sup, t)
	if err != nil {
		return err
	}
	return printInfo(info)
}
