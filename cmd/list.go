package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tcassar-diss/skbtrace/frontend"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list the kernel functions the chosen backend can trace",
		Flags: commonFlags(),
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			logger, err := newLogger(cfg.Verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := frontend.List(logger, cfg, os.Stdout); err != nil {
				return cli.Exit(fmt.Sprintf("failed to list functions: %v", err), 1)
			}

			return nil
		},
	}
}
