// Command censusplot renders the counter file written by census as a
// stair-step chart, one line per room.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/matrix-census/plot"
	"github.com/onnwee/matrix-census/status"
)

func main() {
	var (
		output  string
		exclude []string
	)
	cmd := &cobra.Command{
		Use:           "censusplot <counterfile>",
		Short:         "Plot user counts for Matrix rooms from a census counter file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			counters, err := status.ReadCounters(args[0])
			if err != nil {
				return err
			}
			return plot.Render(counters, plot.Options{
				Output:          output,
				ExcludePrefixes: exclude,
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", plot.DefaultOutput,
		"output file; the extension picks the format (pdf, png, svg, ...)")
	cmd.Flags().StringArrayVar(&exclude, "exclude-prefix", nil,
		"skip rooms whose name starts with this prefix; may be repeated")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
