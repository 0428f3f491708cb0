package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/app"
	"github.com/songzhibin97/alertflow/config"
	"github.com/songzhibin97/alertflow/logger"
)

type cli struct {
	v      *viper.Viper
	cfg    config.Config
	server string
}

func setupServeFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("http-addr", ":8080", "address the HTTP API listens on")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", logger.FormatJSON, "log format (json, console)")
	cmd.Flags().String("storage-type", string(config.StorageMemory), "persistent store (memory, redis, postgres)")
	cmd.Flags().String("redis-addr", "localhost:6379", "redis host:port")
	cmd.Flags().String("postgres-dsn", "", "postgres connection string")

	for key, flag := range map[string]string{
		"http_addr":            "http-addr",
		"log_level":            "log-level",
		"log_format":           "log-format",
		"storage.type":         "storage-type",
		"storage.redis.addr":   "redis-addr",
		"storage.postgres.dsn": "postgres-dsn",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, configFile)
	return err
}

func (c *cli) serve(_ *cobra.Command, _ []string) error {
	lg, flush, err := logger.Setup(c.cfg.LogLevel, c.cfg.LogFormat)
	if err != nil {
		return err
	}
	defer flush()

	a, err := app.New(context.Background(), c.cfg, lg)
	if err != nil {
		lg.Error("failed to start", zap.Error(err))
		return err
	}
	errc := a.Start()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		lg.Info("received signal", zap.String("signal", sig.String()))
	case err = <-errc:
	}
	if shutdownErr := a.Shutdown(); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

func newRootCommand() (*cobra.Command, error) {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:          "alertflow",
		Short:        "Workflow automation and alert notification service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.server, "server", "http://localhost:8080", "alertflow API base URL for client commands")

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API, trigger scheduler and notification dispatcher",
		PreRunE: c.setupConfig,
		RunE:    c.serve,
	}
	if err := setupServeFlags(serve, c.v); err != nil {
		return nil, err
	}

	root.AddCommand(serve, c.workflowCommand(), c.executionCommand(), c.notifyCommand(), c.eventCommand())
	return root, nil
}

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		log.Fatal(err)
	}
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
