package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/ucp-go/ucp"
)

var defaultSelectSizes = []int{0, 64, 248, 249, 4096, 8184, 8185, 8192, 65528, 65529, 1 << 20}

func newSelectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select [size...]",
		Short: "Print the tag send protocol chosen for each message size",
		Long: `Print the eager protocol a contiguous tagged send of each size selects
under the configured thresholds and lane limits. Without arguments a set of
sizes around the default boundaries is shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes := defaultSelectSizes
			if len(args) > 0 {
				sizes = make([]int, 0, len(args))
				for _, arg := range args {
					n, err := strconv.Atoi(arg)
					if err != nil || n < 0 {
						return fmt.Errorf("invalid size %q", arg)
					}
					sizes = append(sizes, n)
				}
			}

			th := a.cfg.Worker.ucpConfig().TagThresholds()
			a.log.Debug("selecting protocols",
				zapThresholds(th)...)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SIZE\tPROTOCOL")
			for _, size := range sizes {
				fmt.Fprintf(tw, "%d\t%s\n", size, ucp.Classify(size, th))
			}
			return tw.Flush()
		},
	}
}
