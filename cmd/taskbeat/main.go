package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/broker"
	"github.com/t77yq/taskbeat/internal/config"
	"github.com/t77yq/taskbeat/internal/storage"
)

// app carries what every subcommand needs once the root has loaded config
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "taskbeat",
		Short:         "Distributed task queue with a periodic scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ./config/taskbeat.yaml)")

	rootCmd.AddCommand(workerCmd(a))
	rootCmd.AddCommand(beatCmd(a))
	rootCmd.AddCommand(enqueueCmd(a))
	rootCmd.AddCommand(jobCmd(a))
	rootCmd.AddCommand(scheduleCmd(a))
	rootCmd.AddCommand(sweepCmd(a))

	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func (a *app) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			a.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (a *app) openJobStore() (*storage.SQLiteJobStore, error) {
	return storage.NewSQLiteJobStore(a.logger, a.cfg.ResultBackendURL, a.cfg.StoreTimeout)
}

func (a *app) openScheduleStore() (*storage.GormScheduleStore, error) {
	return storage.NewGormScheduleStore(a.logger, a.cfg.ScheduleDBURL, a.cfg.StoreTimeout)
}

// connect dials the broker and declares the stream and consumer
func (a *app) connect(ctx context.Context, role string) (*nats.Conn, *broker.Broker, error) {
	nc, err := broker.Connect(ctx, a.cfg.Broker("taskbeat-"+role), a.logger)
	if err != nil {
		return nil, nil, err
	}
	b, err := broker.New(nc, a.cfg.Broker("taskbeat-"+role), a.logger)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, b, nil
}

// holderID names this process in the leader lease
func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
