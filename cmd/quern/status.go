package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quernd/quern/internal/adapter"
	"github.com/quernd/quern/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.NewStore()
		if err != nil {
			return err
		}
		st, err := store.Load()
		if err != nil {
			return err
		}
		if st == nil || !state.PIDAlive(st.PID) {
			fmt.Println("quern is not running.")
			return nil
		}

		fmt.Printf("quern running: pid %d, port %d, up %s\n",
			st.PID, st.Port, time.Since(st.StartedAt).Round(time.Second))

		client, err := connect()
		if err != nil {
			return err
		}
		var report struct {
			RingEntries int              `json:"ringEntries"`
			Flows       int              `json:"flows"`
			Devices     int              `json:"devices"`
			Claimed     int              `json:"claimedDevices"`
			Adapters    []adapter.Status `json:"adapters"`
			Proxy       struct {
				Running bool `json:"running"`
				Port    int  `json:"port"`
			} `json:"proxy"`
		}
		if err := client.get("/api/v1/status", &report); err != nil {
			return err
		}

		fmt.Printf("log entries: %d   flows: %d   devices: %d (%d claimed)\n",
			report.RingEntries, report.Flows, report.Devices, report.Claimed)
		if report.Proxy.Running {
			fmt.Printf("proxy: running on port %d\n", report.Proxy.Port)
		} else {
			fmt.Println("proxy: stopped")
		}

		if len(report.Adapters) > 0 {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ADAPTER\tSTATE\tRESTARTS\tDETAIL")
			for _, a := range report.Adapters {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Name, a.State, a.Restarts, a.Detail)
			}
			return w.Flush()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
