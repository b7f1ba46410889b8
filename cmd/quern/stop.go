package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quernd/quern/internal/state"
)

const stopWait = 15 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running quern daemon",
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
			return store.Clear()
		}

		if err := syscall.Kill(st.PID, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signalling pid %d: %w", st.PID, err)
		}
		deadline := time.Now().Add(stopWait)
		for time.Now().Before(deadline) {
			if !state.PIDAlive(st.PID) {
				fmt.Printf("quern stopped (pid %d).\n", st.PID)
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("pid %d did not exit within %s", st.PID, stopWait)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
