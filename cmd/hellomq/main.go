package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrliuli/hellomq"
	"github.com/mrliuli/hellomq/config"
	"github.com/mrliuli/hellomq/health"
	"github.com/mrliuli/hellomq/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	url        string
	user       string
	password   string
	verbose    bool

	cfg     *config.Config
	factory *hellomq.ConnectionFactory
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "hellomq",
		Short: "Send and drain messages on a point-to-point queue",
		Long: `hellomq sends a batch of text messages to a queue inside one transaction
and drains a queue until nothing arrives within the receive timeout.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.url, "url", "u", "", "Broker URL (amqp://, amqps:// or vm://)")
	rootCmd.PersistentFlags().StringVar(&opts.user, "user", "", "Broker user")
	rootCmd.PersistentFlags().StringVar(&opts.password, "password", "", "Broker password")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newProduceCmd(opts), newConsumeCmd(opts), newHealthCmd(opts))
	return rootCmd
}

// load resolves configuration: file, then environment, then flags
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Broker.URL = o.url
	}
	if flags.Changed("user") {
		cfg.Broker.User = o.user
	}
	if flags.Changed("password") {
		cfg.Broker.Password = o.password
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = newLogger(cfg.Log, cmd.ErrOrStderr())
	o.factory = hellomq.NewConnectionFactory(cfg, hellomq.WithLogger(o.logger))
	return nil
}

func newProduceCmd(opts *options) *cobra.Command {
	var (
		queue  string
		count  int
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send numbered text messages to a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if !cmd.Flags().Changed("queue") {
				queue = opts.cfg.Producer.Queue
			}
			if !cmd.Flags().Changed("count") {
				count = opts.cfg.Producer.Count
			}
			if count < 0 {
				return fmt.Errorf("%w: count must not be negative", messaging.ErrConfiguration)
			}

			bodies := make([]string, count)
			for i := range bodies {
				bodies[i] = fmt.Sprintf("%s%d", prefix, i)
			}

			out := cmd.OutOrStdout()
			opts.logger.Info("sending messages", "broker", opts.factory.BrokerURL(), "queue", queue, "count", count)
			err := hellomq.SendBatch(ctx, opts.factory, queue, bodies, opts.cfg.Producer.Transacted, func(_ int, body string) {
				fmt.Fprintf(out, "发送消息: %s\n", body)
			})
			if err != nil {
				return fmt.Errorf("failed to send messages: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "HelloWorld", "Queue to send to")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of messages to send")
	cmd.Flags().StringVar(&prefix, "prefix", "ActiveMQ 发送消息", "Body prefix; the message index is appended")
	return cmd
}

func newConsumeCmd(opts *options) *cobra.Command {
	var (
		queue    string
		timeout  time.Duration
		selector string
		ackMode  string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Receive from a queue until it stays empty for the timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if !cmd.Flags().Changed("queue") {
				queue = opts.cfg.Consumer.Queue
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = opts.cfg.Consumer.ReceiveTimeout
			}
			if !cmd.Flags().Changed("selector") {
				selector = opts.cfg.Consumer.Selector
			}
			mode, err := opts.cfg.Consumer.AcknowledgeMode()
			if cmd.Flags().Changed("ack-mode") {
				mode, err = messaging.ParseAcknowledgeMode(strings.ToLower(ackMode))
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			count, err := hellomq.Drain(ctx, opts.factory, queue, mode, timeout, func(msg *messaging.Message) error {
				fmt.Fprintf(out, "收到消息: %s\n", msg.Body)
				return nil
			}, messaging.WithSelector(selector))
			if err != nil {
				return fmt.Errorf("failed to receive messages: %w", err)
			}

			opts.logger.Info("queue drained", "queue", queue, "ack_mode", mode.String(), "received", count)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "HelloWorld", "Queue to receive from")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Stop after waiting this long for a message")
	cmd.Flags().StringVar(&selector, "selector", "", "Only receive messages matching this selector")
	cmd.Flags().StringVar(&ackMode, "ack-mode", "auto", "auto, client, dups-ok or transacted; client leaves messages on the queue")
	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the broker accepts connections and returns a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			registry := health.NewRegistry()
			registry.Register(health.NewBrokerChecker(opts.factory, opts.logger))
			registry.Register(health.NewRoundTripChecker(opts.factory, opts.cfg.Consumer.ReceiveTimeout))

			result := registry.Check(ctx)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return fmt.Errorf("failed to encode health result: %w", err)
			}

			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", result.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall time allowed for the checks")
	return cmd
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
