package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"coinlink/client"
	"coinlink/config"
	"coinlink/fault"
	"coinlink/internal/dashboard"
	"coinlink/internal/metrics"
	"coinlink/logger"
	"coinlink/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "coinlink",
		Short:         "Real-time trading push client and streaming chat CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default config.yml, or the APP_ENV specific file)")

	root.AddCommand(newWatchCommand(&configPath), newAskCommand(&configPath))
	return root
}

// setup loads configuration and wires logging and metric sinks.
func setup(ctx context.Context, configPath string) (*config.Config, *logger.Log, error) {
	log := logger.GetLogger()

	cfg, err := config.LoadConfig(config.ResolvePath(configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return nil, nil, err
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return nil, nil, err
	}

	if env := config.AppEnvironment(); config.IsProductionLike(env) && cfg.Connection.Token == "" {
		err := fmt.Errorf("connection.token is required in %s", env)
		log.WithError(err).Error("Refusing to start without a credential")
		return nil, nil, err
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
	}
	logger.SetReportPublisher(func(name string, value float64, unit string, dims logger.Fields) {
		fields := logger.Fields{"unit": unit}
		for k, v := range dims {
			fields[k] = v
		}
		metrics.EmitMetric(log, "report", name, value, "gauge", fields)
	})
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval)

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting coinlink")

	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newWatchCommand(configPath *string) *cobra.Command {
	var topics []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the push server and log topic updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, log, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			if len(topics) > 0 {
				if _, invalid := models.ParseTopics(topics); len(invalid) > 0 {
					return fmt.Errorf("unknown topics: %s", strings.Join(invalid, ", "))
				}
				cfg.Connection.Topics = topics
			}
			opts := client.OptionsFromConfig(cfg)
			opts.Log = log

			c := client.New(opts)

			collector := metrics.NewCollector()
			collector.Attach()
			defer collector.Detach()

			dash, err := dashboard.NewServer(cfg.Dashboard, log, c, collector)
			if err != nil {
				return err
			}

			if err := c.Start(ctx); err != nil {
				return err
			}
			eg, ctx := errgroup.WithContext(ctx)
			c.Connect()

			eg.Go(func() error {
				return watchEvents(ctx, log, c)
			})
			if dash != nil {
				log.WithComponent("main").WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard listening")
				eg.Go(func() error {
					return dash.Run(ctx, cfg.App.Name)
				})
			}

			<-ctx.Done()
			log.Info("shutdown signal received")
			c.Close()

			err = eg.Wait()
			log.Info("coinlink stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "Topics to subscribe to (balance, positions, pnl, orders)")
	return cmd
}

// watchEvents logs client events until the channel closes. An
// authentication failure ends the command.
func watchEvents(ctx context.Context, log *logger.Log, c *client.Client) error {
	entry := log.WithComponent("watch")
	for ev := range c.Events() {
		switch e := ev.(type) {
		case client.StateChanged:
			fields := logger.Fields{"from": e.From.String(), "to": e.To.String(), "attempt": e.Attempt}
			entry.WithFields(fields).Info("state changed")
			if e.To == client.Failed && !fault.IsAuth(e.Err) {
				return fmt.Errorf("connection failed: %w", e.Err)
			}
		case client.Handshake:
			entry.WithFields(logger.Fields{"subject": e.Subject}).Info("handshake")
		case client.TopicUpdated:
			entry.WithFields(logger.Fields{
				"topic":       string(e.Update.Topic),
				"payload":     e.Update.Payload,
				"server_time": e.Update.ServerTime,
				"warnings":    len(e.Update.Warnings),
			}).Info("update")
		case client.ErrorRaised:
			entry.WithError(e.Err).WithFields(logger.Fields{"kind": fault.KindOf(e.Err).String()}).Warn("client error")
			if fault.IsAuth(e.Err) {
				return e.Err
			}
		}
	}
	return ctx.Err()
}

func newAskCommand(configPath *string) *cobra.Command {
	var (
		rating  int
		comment string
		session string
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Stream an answer to a question and optionally rate it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, log, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			if cfg.API.URL == "" {
				return errors.New("api.url is required for ask")
			}
			opts := client.OptionsFromConfig(cfg)
			opts.Log = log
			c := client.New(opts)
			defer c.Close()

			question := strings.Join(args, " ")

			var reqOpts []client.RequestOption
			if session != "" {
				reqOpts = append(reqOpts, client.WithSessionID(session))
			}

			out := cmd.OutOrStdout()
			var final client.StreamUpdate
			for u := range c.SendStreamingRequest(ctx, question, reqOpts...) {
				fmt.Fprint(out, u.Delta)
				if u.IsFinal {
					final = u
				}
			}
			fmt.Fprintln(out)

			if final.Truncated {
				return fmt.Errorf("answer incomplete: %w", final.Err)
			}
			if rating == 0 {
				return nil
			}
			if err := c.SubmitFeedback(ctx, client.Feedback{MessageID: final.MessageID, Rating: rating, Comment: comment, SessionID: session}); err != nil {
				log.WithComponent("main").WithError(err).Error("feedback failed")
				return err
			}
			fmt.Fprintf(out, "rated %d/5\n", rating)
			return nil
		},
	}
	cmd.Flags().IntVar(&rating, "rate", 0, "Rate the answer from 1 to 5 once it completes")
	cmd.Flags().StringVar(&comment, "comment", "", "Feedback comment sent with --rate")
	cmd.Flags().StringVar(&session, "session", "", "Chat session id (defaults to api.session_id)")
	return cmd
}
