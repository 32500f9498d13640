package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NivBraz/groupcount-service/internal/app"
	"github.com/NivBraz/groupcount-service/pkg/extractor"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Group the configured table and print the counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			// Create context that listens for the interrupt signal from the OS
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			result, err := application.Run(ctx)
			if err != nil {
				return err
			}

			var output []byte
			if cfg.Output.PrettyPrint {
				output, err = json.MarshalIndent(result, "", "    ")
			} else {
				output, err = json.Marshal(result)
			}
			if err != nil {
				return fmt.Errorf("failed to marshal results: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run only the extraction server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting extractor",
				zap.String("rpc", cfg.RPCAddr()),
				zap.String("admin", cfg.AdminAddr()),
				zap.String("dataDir", cfg.Store.DataDir))
			return extractor.ListenAndServe(ctx, extractor.ServeConfig{
				RPCAddr:   cfg.RPCAddr(),
				AdminAddr: cfg.AdminAddr(),
				DataDir:   cfg.Store.DataDir,
			}, logger)
		},
	}
}

func newSeedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load tweet fixtures into the configured table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			tweets, err := app.LoadFixtures(args[0])
			if err != nil {
				return err
			}
			if err := app.Seed(cmd.Context(), cfg, tweets); err != nil {
				return err
			}
			cmd.Printf("Seeded %d tweets into %s.%s\n", len(tweets), cfg.Extractor.Keyspace, cfg.Extractor.Table)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("groupcount version %s\n", version)
		},
	}
}
