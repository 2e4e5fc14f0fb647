package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/choreboard/points-engine/internal/app"
	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

var (
	rolloverDay string
	drainLimit  int
)

var rolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Daily rollover",
}

var rolloverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Close a day now",
	Long: `Run closes one local day: maintenance intervals that ended are judged,
statistics past retention are pruned. Running it twice for the same day is
safe. Without --day yesterday in the configured timezone is closed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		day := timeutil.DateOf(time.Now(), cfg.App.Location).AddDays(-1)
		if rolloverDay != "" {
			if day, err = timeutil.ParseDate(rolloverDay); err != nil {
				return fmt.Errorf("--day: %w", err)
			}
		}

		a, err := app.New(cmd.Context(), cfg, cliLogger())
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		res, err := a.RunRollover.Handle(cmd.Context(), command.RunRolloverCommand{
			Today:         day,
			CorrelationID: "pointsctl",
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rollover %s finished in %s\n", res.Day, res.Duration.Round(time.Millisecond))
		fmt.Fprintf(out, "  processed:  %s\n", humanize.Comma(int64(res.Processed)))
		fmt.Fprintf(out, "  maintained: %s\n", humanize.Comma(int64(res.Maintained)))
		fmt.Fprintf(out, "  grace:      %s\n", humanize.Comma(int64(res.Graced)))
		fmt.Fprintf(out, "  demoted:    %s\n", humanize.Comma(int64(res.Demoted)))
		fmt.Fprintf(out, "  pruned:     %s\n", humanize.Comma(int64(res.Pruned)))
		if res.Failed > 0 {
			return fmt.Errorf("%d participant(s) failed, see logs", res.Failed)
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Evaluate every participant whose debounced evaluation is due",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, cliLogger())
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		pending, err := a.Store.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s evaluation(s) queued\n", humanize.Comma(int64(pending)))

		res, err := a.DrainPending.Handle(cmd.Context(), command.DrainPendingCommand{Limit: drainLimit})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "claimed %d, evaluated %d, promoted %d, failed %d\n",
			res.Claimed, res.Evaluated, res.Promoted, res.Failed)
		return nil
	},
}

func init() {
	rolloverRunCmd.Flags().StringVar(&rolloverDay, "day", "", "local date to close, YYYY-MM-DD")
	rolloverCmd.AddCommand(rolloverRunCmd)

	drainCmd.Flags().IntVar(&drainLimit, "limit", 0, "rows to claim (0 uses SCHEDULER_DRAIN_BATCH)")

	rootCmd.AddCommand(rolloverCmd, drainCmd)
}
