// Package main provides the kefu-console binary: the agent's realtime
// connection with a local status server, plus negotiation and mirror tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kefu-console/realtime/config"
	"github.com/kefu-console/realtime/providers"
	"github.com/kefu-console/realtime/src/bridge"
	"github.com/kefu-console/realtime/src/hub"
	"github.com/kefu-console/realtime/src/negotiate"
	"github.com/kefu-console/realtime/src/types"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kefu-console",
		Short: "Realtime layer of the hotel customer-service console",
		Long: `kefu-console keeps one agent connected to the message server,
normalizes inbound frames and fans them out to the inbox and conversation
views. A local status server exposes the connection state and a WebSocket
stream of notifications.

Examples:
  kefu-console run --agent 7            # connect agent 7 and serve status
  kefu-console negotiate --agent 7      # resolve the socket endpoint only
  kefu-console tail                     # print notifications mirrored to Redis`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect the agent and serve the status routes",
		RunE:  runConsole,
	}
	runCmd.Flags().String("agent", "", "agent user id (overrides config)")
	runCmd.Flags().String("base-url", "", "message server base URL (overrides config)")
	runCmd.Flags().String("status-addr", "", "status server address (overrides config)")
	runCmd.Flags().Bool("mirror", false, "mirror notifications to Redis")

	negotiateCmd := &cobra.Command{
		Use:   "negotiate",
		Short: "Resolve the socket endpoint for an agent and exit",
		RunE:  runNegotiate,
	}
	negotiateCmd.Flags().String("agent", "", "agent user id (overrides config)")
	negotiateCmd.Flags().Bool("status", false, "also print the agent's online status")
	negotiateCmd.Flags().Bool("stats", false, "also print server connection stats")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print notifications mirrored to Redis by running consoles",
		RunE:  runTail,
	}
	tailCmd.Flags().Bool("json", false, "print raw JSON lines")
	tailCmd.Flags().String("agent", "", "only show notifications from this agent's console")

	rootCmd.AddCommand(runCmd, negotiateCmd, tailCmd, &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kefu-console %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, newLogger(cfg.Log, os.Stderr), nil
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("agent"); v != "" {
		cfg.Agent.UserID = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cfg.Negotiate.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("status-addr"); v != "" {
		cfg.Status.Addr = v
	}
	if cmd.Flags().Changed("mirror") {
		cfg.Redis.Enabled, _ = cmd.Flags().GetBool("mirror")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := providers.NewConsole(cfg, logger)
	if err := console.Activate(ctx); err != nil {
		return err
	}
	logger.Info().Str("version", version).Str("status_addr", cfg.Status.Addr).Msg("console running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return console.Deactivate()
}

func runNegotiate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	agent, _ := cmd.Flags().GetString("agent")
	if agent == "" {
		agent = cfg.Agent.UserID
	}

	client := negotiate.New(cfg.Negotiate.BaseURL, logger,
		negotiate.WithConnectPath(cfg.Negotiate.ConnectPath),
		negotiate.WithTimeout(cfg.Negotiate.Timeout),
	)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	desc, err := client.Negotiate(ctx, agent)
	if err != nil {
		return err
	}
	out := map[string]any{
		"endpointUrl": desc.EndpointURL,
		"subjectId":   desc.SubjectID,
		"subjectRole": desc.SubjectRole,
		"hasToken":    desc.AuthToken != "",
	}

	if v, _ := cmd.Flags().GetBool("status"); v {
		status, err := client.AgentStatus(ctx, agent)
		if err != nil {
			return err
		}
		out["status"] = status
	}
	if v, _ := cmd.Flags().GetBool("stats"); v {
		stats, err := client.OnlineStats(ctx)
		if err != nil {
			return err
		}
		out["stats"] = stats
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	agent, _ := cmd.Flags().GetString("agent")

	h := hub.New(logger)
	rb := bridge.NewRedisBridge(cfg.Redis.Bridge(), logger)
	if err := rb.Follow(h, agent); err != nil {
		return fmt.Errorf("redis mirror unavailable: %w", err)
	}
	defer rb.Stop()

	w := cmd.OutOrStdout()
	unsubscribe := h.Subscribe("tail", func(n types.Notification) error {
		if asJSON {
			return json.NewEncoder(w).Encode(n)
		}
		_, err := fmt.Fprintln(w, formatNotification(n, time.Now()))
		return err
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func formatNotification(n types.Notification, now time.Time) string {
	when := "-"
	if !n.OccurredAt.IsZero() {
		when = humanize.RelTime(n.OccurredAt, now, "ago", "from now")
	}
	line := fmt.Sprintf("%-22s conv=%-6d %s", n.Kind, n.ConversationID, when)
	if n.Payload != nil {
		line += fmt.Sprintf("  [%s] %s", n.Payload.Direction, n.Payload.Content)
	}
	return line
}
