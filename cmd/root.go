package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/frontend"
)

// NewApp builds the skbtrace command line. Running it without a subcommand
// starts a trace.
func NewApp() *cli.App {
	return &cli.App{
		Name:  "skbtrace",
		Usage: "trace the path network packets take through the kernel",
		Flags: traceFlags(),
		Commands: []*cli.Command{
			traceCommand(),
			listCommand(),
			featuresCommand(),
		},
		Action: runTrace,
	}
}

// Execute is called by main.main.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads --config if given and overlays every flag the user set.
func loadConfig(cCtx *cli.Context) (*frontend.Config, error) {
	cfg := frontend.DefaultConfig()

	if path := cCtx.String(flagConfig); path != "" {
		parsed, err := frontend.ParseTOMLConfig(path)
		if err != nil {
			return nil, err
		}

		cfg = parsed
	}

	if err := applyFlags(cCtx, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", frontend.ErrInvalidConfig, err)
	}

	return cfg, nil
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	logger, err := frontend.InitLogger(verbose)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to create logger: %v", err), 1)
	}

	return logger, nil
}
