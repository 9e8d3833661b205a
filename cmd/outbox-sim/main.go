// Command outbox-sim drives the outbox engine against a configurable store and
// transport. It enqueues messages while offline, restores connectivity and
// reports how every message ended up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/config"
	"github.com/velmie/offline-outbox/logging"
)

var version = "dev"

var errPruneUnsupported = errors.New("outbox-sim: store driver does not support pruning")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// storeFlags override the store and transport sections of the loaded config.
type storeFlags struct {
	configPath string
	driver     string
	path       string
	dsn        string
	table      string
	transport  string
	url        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags storeFlags

	root := &cobra.Command{
		Use:           "outbox-sim",
		Short:         "Simulate offline message delivery through the outbox engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&flags.driver, "store", "", "Store driver: memory, sqlite, pebble, mysql or postgres")
	pf.StringVar(&flags.path, "store-path", "", "Database file or directory for sqlite and pebble")
	pf.StringVar(&flags.dsn, "dsn", "", "Connection string for mysql and postgres")
	pf.StringVar(&flags.table, "table", "", "Messages table name")
	pf.StringVar(&flags.transport, "transport", "", "Transport: fake, http or redis")
	pf.StringVar(&flags.url, "url", "", "Receiver base URL or redis URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level")

	root.AddCommand(newRunCmd(&flags), newStatusCmd(&flags), newPruneCmd(&flags))

	return root
}

func loadConfig(flags *storeFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Store.Driver, flags.driver)
	override(&cfg.Store.Path, flags.path)
	override(&cfg.Store.DSN, flags.dsn)
	override(&cfg.Store.Table, flags.table)
	override(&cfg.Transport.Kind, flags.transport)
	override(&cfg.Transport.URL, flags.url)
	override(&cfg.Log.Level, flags.logLevel)

	return cfg, cfg.Validate()
}

func newRunCmd(flags *storeFlags) *cobra.Command {
	opts := defaultSimOptions()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue messages offline, go online and wait for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			opts.LogOutput = cmd.ErrOrStderr()

			res, err := simulate(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), res, opts.JSON)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Messages, "messages", opts.Messages, "Messages to enqueue")
	f.StringVar(&opts.Text, "text", opts.Text, "Message text prefix")
	f.DurationVar(&opts.OfflineFor, "offline-for", opts.OfflineFor, "How long the signal stays offline when no prober runs")
	f.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Maximum time to wait for delivery")
	f.DurationVar(&opts.MinLatency, "min-latency", opts.MinLatency, "Fake transport minimum latency")
	f.DurationVar(&opts.MaxLatency, "max-latency", opts.MaxLatency, "Fake transport maximum latency")
	f.Float64Var(&opts.TimeoutRate, "timeout-rate", opts.TimeoutRate, "Fake transport timeout probability")
	f.BoolVar(&opts.JSON, "json", false, "Print JSON result")

	return cmd
}

func newStatusCmd(flags *storeFlags) *cobra.Command {
	var conversations []string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List stored messages per conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if len(conversations) == 0 {
				conversations = cfg.Engine.Conversations
			}
			zl := logging.New(logging.Config{Level: cfg.Log.Level, Format: logging.Format(cfg.Log.Format), Output: cmd.ErrOrStderr()})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			b, err := openBackend(ctx, cfg, zl)
			if err != nil {
				return err
			}
			defer b.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONVERSATION\tCREATED\tSTATUS\tCLIENT KEY\tSERVER ID\tTEXT")
			for _, conv := range conversations {
				msgs, err := snapshot(ctx, b.store, outbox.ConversationID(conv))
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.ConversationID, m.CreatedAt.Format(time.RFC3339Nano), m.Status, m.ClientKey, m.ServerID, m.Text)
				}
			}

			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "Conversations to list (defaults to the configured ones)")

	return cmd
}

func newPruneCmd(flags *storeFlags) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete Sent messages older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if retention > 0 {
				cfg.Schedule.Retention = retention
			}
			zl := logging.New(logging.Config{Level: cfg.Log.Level, Format: logging.Format(cfg.Log.Format), Output: cmd.ErrOrStderr()})

			b, err := openBackend(cmd.Context(), cfg, zl)
			if err != nil {
				return err
			}
			defer b.close()
			if b.prune == nil {
				return fmt.Errorf("%w: %s", errPruneUnsupported, cfg.Store.Driver)
			}

			deleted, err := b.prune(cmd.Context())
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", deleted)

			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Keep Sent messages younger than this (defaults to the configured retention)")

	return cmd
}

// snapshot reads the current ordered list of a conversation.
func snapshot(ctx context.Context, store outbox.Store, conversation outbox.ConversationID) ([]outbox.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := store.Observe(ctx, conversation)
	if err != nil {
		return nil, err
	}
	select {
	case msgs, ok := <-ch:
		if !ok {
			return nil, ctx.Err()
		}

		return msgs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printResult(w io.Writer, res result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(res)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "store\t%s\n", res.Store)
	fmt.Fprintf(tw, "transport\t%s\n", res.Transport)
	fmt.Fprintf(tw, "messages\t%d\n", res.Messages)
	fmt.Fprintf(tw, "sent\t%d\n", res.Sent)
	fmt.Fprintf(tw, "failed\t%d\n", res.Failed)
	fmt.Fprintf(tw, "pending\t%d\n", res.Pending)
	fmt.Fprintf(tw, "duration\t%s\n", res.Duration)

	return tw.Flush()
}
