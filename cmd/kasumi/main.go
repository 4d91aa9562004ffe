package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/kasumi/internal/config"
	"github.com/stellarlinkco/kasumi/internal/cron"
	"github.com/stellarlinkco/kasumi/internal/gateway"
	"github.com/stellarlinkco/kasumi/internal/relay"
	"github.com/stellarlinkco/kasumi/internal/store"
)

// modelFactory is swapped in tests
var modelFactory gateway.ModelFactory = gateway.DefaultModelFactory

const apiKeyHint = "API key not set. Run 'kasumi onboard' or set KASUMI_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kasumi",
		Short:         "kasumi - a chat companion that answers once per burst",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels + relay + compaction schedule)",
		RunE:  runGateway,
	}

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction pass now",
		Args:  cobra.NoArgs,
		RunE:  runCompact,
	}
	compactCmd.Flags().String("channel", "", "compact only this channel id")

	historyCmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Print the last stored messages of a channel",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntP("number", "n", 10, "number of messages")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show kasumi status",
		RunE:  runStatus,
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and prompts file",
		RunE:  runOnboard,
	}

	root.AddCommand(gatewayCmd, compactCmd, historyCmd, statusCmd, onboardCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("%s", apiKeyHint)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{ModelFactory: modelFactory})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmdContext(cmd))
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mc, err := modelFactory(cfg)
	if err != nil {
		return err
	}
	r, err := gateway.NewRelay(cfg, st, mc, nil, nil, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if channel, _ := cmd.Flags().GetString("channel"); channel != "" {
		res, err := r.Compactor().CompactChannel(ctx, channel)
		if err != nil {
			return fmt.Errorf("compact %s: %w", channel, err)
		}
		printChannelResult(out, res)
		return nil
	}

	report, err := r.Compactor().CompactAll(ctx)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	fmt.Fprintf(out, "Channels: %d, compacted: %d, skipped: %d, failed: %d\n",
		report.Channels, report.Compacted, report.Skipped, report.Failed)
	return nil
}

func printChannelResult(w io.Writer, res relay.ChannelResult) {
	if res.Skipped {
		fmt.Fprintf(w, "%s: nothing new\n", res.Channel)
		return
	}
	fmt.Fprintf(w, "%s: %d messages, summary updated=%v, profiles=%d\n",
		res.Channel, res.Messages, res.SummaryUpdated, res.Profiles)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	n, _ := cmd.Flags().GetInt("number")

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	msgs, err := st.RecentMessages(cmdContext(cmd), args[0], n)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), relay.FormatHistory(msgs))
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	writeIfNotExists(out, filepath.Join(config.ConfigDir(), "prompts.yaml"), defaultPromptsYAML)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and enable a channel\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set KASUMI_API_KEY / KASUMI_TELEGRAM_TOKEN")
	fmt.Fprintln(out, "  3. Run 'kasumi gateway'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Assistant: %s\n", cfg.Assistant.Name)
	fmt.Fprintf(out, "Model: %s\n", cfg.Assistant.Model)
	fmt.Fprintf(out, "Provider: %s\n", cfg.Provider.Type)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	fmt.Fprintf(out, "Translation: enabled=%v\n", cfg.Translation.Enabled)

	dbPath := cfg.DatabasePath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(out, "Database: not found (%s)\n", dbPath)
	} else if st, err := store.Open(dbPath); err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
	} else {
		stats, err := st.Stats(cmdContext(cmd))
		_ = st.Close()
		if err != nil {
			fmt.Fprintf(out, "Database: error (%v)\n", err)
		} else {
			fmt.Fprintf(out, "Database: %d messages, %d channels, %d summaries, %d profiles\n",
				stats.Messages, stats.Channels, stats.Summaries, stats.Profiles)
		}
	}

	state, err := cron.LoadState(cfg.CronStatePath())
	if err != nil {
		fmt.Fprintf(out, "Compaction: error (%v)\n", err)
	} else if last, ok := state[gateway.CompactionJobName]; ok {
		fmt.Fprintf(out, "Compaction: last run %s (%s)\n", last.LastRunAt.Local().Format("2006-01-02 15:04:05"), last.LastStatus)
	} else {
		fmt.Fprintln(out, "Compaction: never run")
	}
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			fmt.Fprintf(w, "  Failed: %s (%v)\n", path, err)
			return
		}
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

const defaultPromptsYAML = `# Prompt overrides. Point assistant.promptsFile at this file to use it.
# Any key left empty keeps the built-in template.
#
# system: |
#   You are {{.Assistant}} ...
# chat_user: |
#   Reply as "USER {{.Assistant}} SAYS <message> END".
# summary_user: |
#   Reply as "SUMMARY <summary> END".
`
