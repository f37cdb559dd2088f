package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"satellite-downloader/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available imagery sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tZOOM\tPROJECTION\tALIASES\tDESCRIPTION")
		for _, info := range source.List() {
			fmt.Fprintf(w, "%s\t%d-%d\t%s\t%s\t%s\n",
				info.Name, info.MinZoom, info.MaxZoom, info.Projection,
				strings.Join(info.Aliases, ", "), info.Description)
		}
		return w.Flush()
	},
}
