package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/meshmeet/internal/config"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshmeet",
		Short:         "Full-mesh WebRTC meetings: headless participant and meeting server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newJoinCommand(), newServeCommand(), newVersionCommand())
	return root
}

// Flags are owned by internal/config so env defaults and validation live in
// one place; cobra only dispatches.
func newJoinCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "join --meeting ID --peer-id N [flags]",
		Short:              "Join a meeting as a headless participant",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(args)
			if err != nil {
				return wrapConfigError(err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			return runJoin(cmd.Context(), cfg, logger)
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "serve [flags]",
		Short:              "Run the meeting server",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(args)
			if err != nil {
				return wrapConfigError(err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := resolveBuildInfo(buildCommit, buildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "commit=%s build_time=%s\n", info.Commit, info.BuildTime)
		},
	}
}

func wrapConfigError(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return configError{err: err}
}

func newLogger(cfg config.Logging) (*slog.Logger, error) {
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return nil, configError{err: err}
	}
	slog.SetDefault(logger)
	return logger, nil
}
