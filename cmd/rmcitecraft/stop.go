package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/miams/rmcitecraft/internal/types"
)

var stopKind string

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: "batch",
	Short:   "Signal a running batch to pause",
	Long: `Sends SIGTERM to the rmcitecraft start process for the given kind, found
via its pid file under media_root. The running process finishes its current
store transaction, marks the session paused, and exits — re-running
'rmcitecraft start --kind <kind>' resumes from the checkpoint.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopKind, "kind", "", "batch kind: census or findagrave (required)")
	_ = stopCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	kind := types.SessionKind(stopKind)
	if kind != types.KindCensus && kind != types.KindFindAGrave {
		return fmt.Errorf("--kind must be %q or %q", types.KindCensus, types.KindFindAGrave)
	}

	path := pidFilePath(kind)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no running %s batch found (no pid file at %s)", kind, path)
		}
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("malformed pid file %s: %w", path, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{"kind": string(kind), "pid": pid, "signalled": true})
	} else {
		fmt.Printf("sent SIGTERM to rmcitecraft %s runner (pid %d)\n", kind, pid)
	}
	return nil
}
