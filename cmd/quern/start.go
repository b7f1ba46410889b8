package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/config"
	"github.com/quernd/quern/internal/daemon"
)

var (
	startPort       int
	startProxyPort  int
	startForeground bool
	startWithProxy  bool
	startSimulator  string
)

// foregroundEnv marks the re-executed child so it does not detach again.
const foregroundEnv = "QUERN_FOREGROUND"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the quern daemon",
	Long: `Starts the quern daemon, binding the API on 127.0.0.1 (scanning upward from
the configured port). By default the process detaches and logs to
~/.quern/server.log; use --foreground to stay attached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgStore, err := config.NewStore()
		if err != nil {
			return err
		}
		cfg, err := cfgStore.Load()
		if err != nil {
			return err
		}
		if startPort != 0 {
			cfg.ServerPort = startPort
		}
		if startProxyPort != 0 {
			cfg.ProxyPort = startProxyPort
		}
		if startSimulator != "" {
			cfg.DefaultUDID = startSimulator
		}

		if !startForeground && os.Getenv(foregroundEnv) == "" {
			return detach()
		}

		d, err := daemon.New(daemon.Options{Config: cfg})
		if err != nil {
			return exitWith(err)
		}
		if err := d.Run(context.Background(), daemon.Options{Config: cfg, ProxyOnBoot: startWithProxy}); err != nil {
			return exitWith(err)
		}
		return nil
	},
}

// detach re-executes the binary as a detached child with output redirected to
// the server log, then returns immediately.
func detach() error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, config.ServerLogFile)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening server log: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), foregroundEnv+"=1")
	child.Stdout = logFile
	child.Stderr = logFile
	if err := child.Start(); err != nil {
		return fmt.Errorf("detaching: %w", err)
	}
	fmt.Printf("quern started (pid %d), logging to %s\n", child.Process.Pid, logPath)
	return child.Process.Release()
}

// exitWith prints the error and exits with the code its kind dictates.
func exitWith(err error) error {
	fmt.Fprintln(os.Stderr, "Error:", err)
	code := 1
	var ae *apierr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apierr.AlreadyRunning:
			code = 2
		case apierr.PortsExhausted:
			code = 3
		case apierr.AuthRequired, apierr.PreconditionFailed:
			code = 4
		}
	} else if errors.Is(err, os.ErrPermission) {
		code = 4
	}
	os.Exit(code)
	return nil
}

func init() {
	startCmd.Flags().IntVar(&startPort, "port", 0, "API port (default 9100, scans upward)")
	startCmd.Flags().IntVar(&startProxyPort, "proxy-port", 0, "mitmproxy port (default 9101)")
	startCmd.Flags().BoolVarP(&startForeground, "foreground", "f", false, "stay attached instead of daemonizing")
	startCmd.Flags().BoolVar(&startWithProxy, "proxy", false, "start mitmproxy immediately")
	startCmd.Flags().StringVar(&startSimulator, "simulator", "", "stream logs from this simulator UDID on start")
	rootCmd.AddCommand(startCmd)
}
