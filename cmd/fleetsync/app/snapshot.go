package app

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/fleetsync/cmd/fleetsync/app/options"
	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/session"
)

func newSnapshotCommand(opts *options.FleetsyncOptions) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Load the manager's fleet once and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			sess, closer, err := cfg.NewSession()
			if err != nil {
				return err
			}
			defer closer.Close()
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.APIOptions.Timeout)
			defer cancel()
			if err := sess.Refresh(ctx); err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), sess, activeOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list unresolved alarms.")
	return cmd
}

func printSnapshot(w io.Writer, sess *session.Session, activeOnly bool) {
	if sess.Degraded() {
		fmt.Fprintln(w, session.OfflineProblem)
		fmt.Fprintln(w)
	}
	snap := sess.Snapshot()

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("VEHICLE", "MANUFACTURER", "MODEL", "NUMBER", "TYPE")
	for _, v := range snap.Vehicles {
		table.AddRow(v.ID, v.Manufacturer, v.Model, v.PlateNumber, v.Type)
	}
	fmt.Fprintln(w, table)
	fmt.Fprintln(w)

	table = uitable.New()
	table.AddRow("DEVICE", "NAME", "VEHICLE", "STATUS", "ALERT", "UPDATED")
	for _, d := range sess.Devices() {
		table.AddRow(d.ID, d.Name, vehicleRef(d.VehicleID), d.Status, d.Level, formatTime(d.LastUpdated))
	}
	fmt.Fprintln(w, table)
	fmt.Fprintln(w)

	table = uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ALARM", "DEVICE", "TYPE", "SEVERITY", "RESOLVED", "TIME")
	for _, a := range sess.Alarms(activeOnly) {
		table.AddRow(a.ID, a.DeviceID, a.Type, a.Severity, a.Resolved, formatTime(a.Time))
	}
	fmt.Fprintln(w, table)
}

func vehicleRef(id *fleet.VehicleID) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(int64(*id), 10)
}

func formatTime(t fleet.Timestamp) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
