package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tcassar-diss/skbtrace/frontend"
)

func traceCommand() *cli.Command {
	return &cli.Command{
		Name:   "trace",
		Usage:  "attach to matching kernel functions and print packet traces until interrupted",
		Flags:  traceFlags(),
		Action: runTrace,
	}
}

func runTrace(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := frontend.Run(cCtx.Context, logger, cfg); err != nil {
		logger.Errorw("trace failed", "err", err)

		code := 2
		if errors.Is(err, frontend.ErrInvalidConfig) {
			code = 1
		}

		return cli.Exit(fmt.Sprintf("skbtrace encountered an error it couldn't recover from: %v", err), code)
	}

	return nil
}
