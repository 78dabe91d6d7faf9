package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tcassar-diss/skbtrace/bpf"
)

func featuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "features",
		Usage: "report which backends the running kernel supports",
		Action: func(cCtx *cli.Context) error {
			w := cCtx.App.Writer

			fmt.Fprintf(w, "%s: yes\n", bpf.Kprobe)
			fmt.Fprintf(w, "%s: yes\n", bpf.Ftrace)

			if err := bpf.ProbeKprobeMulti(); err != nil {
				fmt.Fprintf(w, "%s: no (%v)\n", bpf.KprobeMulti, err)
				return nil
			}

			fmt.Fprintf(w, "%s: yes\n", bpf.KprobeMulti)

			return nil
		},
	}
}
