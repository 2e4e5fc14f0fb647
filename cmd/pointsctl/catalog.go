package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/choreboard/points-engine/config"
	"github.com/choreboard/points-engine/internal/domain/stats"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect badge catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a catalog file and print its ladder",
	Long: `Validate parses the catalog the same way the engine does at startup and
prints the resulting ladder. Without a path the configured
ENGINE_CATALOG_PATH is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Engine.CatalogPath
		}

		engine, err := config.LoadCatalog(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n\n", path)
		return printCatalog(cmd.OutOrStdout(), engine)
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}

func printCatalog(w io.Writer, engine *config.Engine) error {
	fmt.Fprintf(w, "policy: %s\n", engine.Policy)
	fmt.Fprint(w, "retention:")
	for _, g := range stats.Periodic() {
		keep := "forever"
		if n := engine.Retention[g]; n > 0 {
			keep = humanize.Comma(int64(n))
		}
		fmt.Fprintf(w, " %s=%s", g, keep)
	}
	fmt.Fprint(w, "\n\n")

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tNAME\tTHRESHOLD\tMULTIPLIER\tMAINTENANCE")
	for _, b := range engine.Catalog.Badges() {
		maintenance := "-"
		if b.MaintenanceRequirement != nil && b.WindowLength != nil {
			maintenance = fmt.Sprintf("%s pts / %dd", humanize.Commaf(*b.MaintenanceRequirement), *b.WindowLength)
			if b.GraceLength != nil {
				maintenance += fmt.Sprintf(" (+%dd grace)", *b.GraceLength)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\tx%.2f\t%s\n",
			b.Rank, b.ID, b.Name, humanize.Commaf(b.Threshold), b.Multiplier, maintenance)
	}
	return tw.Flush()
}
