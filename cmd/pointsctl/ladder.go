package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/choreboard/points-engine/internal/app"
	"github.com/choreboard/points-engine/internal/application/query"
)

var ladderJSON bool

var ladderCmd = &cobra.Command{
	Use:   "ladder",
	Short: "Inspect participant ladders",
}

var ladderShowCmd = &cobra.Command{
	Use:   "show <participant-id>",
	Short: "Show a participant's badge ladder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, cliLogger())
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		res, err := a.GetLadder.Handle(cmd.Context(), query.GetLadderQuery{
			ParticipantID: args[0],
			SkipCache:     true,
		})
		if err != nil {
			return err
		}

		if ladderJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res.Ladder)
		}
		printLadder(cmd.OutOrStdout(), res.Ladder)
		return nil
	},
}

func init() {
	ladderShowCmd.Flags().BoolVar(&ladderJSON, "json", false, "print the ladder view as JSON")
	ladderCmd.AddCommand(ladderShowCmd)
	rootCmd.AddCommand(ladderCmd)
}

func printLadder(w io.Writer, v *query.LadderView) {
	fmt.Fprintf(w, "participant:  %s\n", v.ParticipantID)
	fmt.Fprintf(w, "lifetime:     %s pts\n", humanize.Commaf(v.LifetimePoints))
	fmt.Fprintf(w, "current:      %s\n", badgeLabel(v.Current))
	fmt.Fprintf(w, "highest:      %s\n", badgeLabel(v.HighestEarned))

	if v.NextHigher != nil && v.PointsToNext != nil {
		fmt.Fprintf(w, "next:         %s in %s pts\n", badgeLabel(v.NextHigher), humanize.Commaf(*v.PointsToNext))
	} else {
		fmt.Fprintln(w, "next:         top of the ladder")
	}

	if v.Current == nil || v.Current.Requirement == nil {
		return
	}
	fmt.Fprintf(w, "status:       %s\n", v.Status)
	fmt.Fprintf(w, "maintenance:  %s / %s pts\n",
		humanize.Commaf(v.MaintenancePoints), humanize.Commaf(*v.Current.Requirement))
	if v.PeriodEnd != nil {
		fmt.Fprintf(w, "period ends:  %s\n", v.PeriodEnd)
	}
	if v.GraceEnd != nil {
		fmt.Fprintf(w, "grace ends:   %s\n", v.GraceEnd)
	}
	if v.DaysLeft != nil {
		fmt.Fprintf(w, "days left:    %d\n", *v.DaysLeft)
	}
	fmt.Fprintf(w, "generated:    %s\n", humanize.RelTime(v.GeneratedAt, time.Now(), "ago", "from now"))
}

func badgeLabel(b *query.BadgeDTO) string {
	if b == nil {
		return "none"
	}
	if b.Name != "" {
		return fmt.Sprintf("%s (%s, rank %d)", b.Name, b.ID, b.Rank)
	}
	return fmt.Sprintf("%s (rank %d)", b.ID, b.Rank)
}
