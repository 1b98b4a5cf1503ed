package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miams/rmcitecraft/internal/config"
	"github.com/miams/rmcitecraft/internal/extension"
	"github.com/miams/rmcitecraft/internal/obslog"
	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/queue"
	"github.com/miams/rmcitecraft/internal/researchstore"
	"github.com/miams/rmcitecraft/internal/runner"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"
	"github.com/miams/rmcitecraft/internal/userassist"
)

var (
	startKind      string
	startYear      int
	startState     string
	startLimit     int
	startReprocess bool
)

var startCmd = &cobra.Command{
	Use:     "start",
	GroupID: "batch",
	Short:   "Run (or resume) a census or Find A Grave citation batch",
	Long: `Scans PrimaryStore for candidate subjects of the given kind, builds a
queue if none is already in flight, and drives it to completion: extract,
match, format, and commit each item. Ctrl-C (or 'rmcitecraft stop') pauses
the batch cooperatively between items; re-running start resumes it.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startKind, "kind", "", "batch kind: census or findagrave (required)")
	startCmd.Flags().IntVar(&startYear, "year", 0, "restrict to one census year (census kind only)")
	startCmd.Flags().StringVar(&startState, "state", "", "restrict to one state (census kind only)")
	startCmd.Flags().IntVar(&startLimit, "limit", 0, "maximum candidates to queue (0 = no limit)")
	startCmd.Flags().BoolVar(&startReprocess, "reprocess", false, "requeue images already in the processed ledger")
	_ = startCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	kind := types.SessionKind(startKind)
	if kind != types.KindCensus && kind != types.KindFindAGrave {
		return fmt.Errorf("--kind must be %q or %q", types.KindCensus, types.KindFindAGrave)
	}

	primary, err := primarystore.Open(config.PrimaryDBPath())
	if err != nil {
		return fmt.Errorf("open primary store: %w", err)
	}
	defer primary.Close()

	research, err := researchstore.Open(config.ResearchDBPath())
	if err != nil {
		return fmt.Errorf("open research store: %w", err)
	}
	defer research.Close()

	state, err := statestore.Open(config.StateDBPath())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	lock := statestore.KindLock(config.StateDBPath(), kind)
	lockCtx, lockCancel := context.WithTimeout(rootCtx, config.LockTimeout())
	defer lockCancel()
	locked, err := lock.TryLockContext(lockCtx, 200*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("another rmcitecraft runner already holds the %s lock", kind)
	}
	defer lock.Unlock()

	sess, err := state.FindResumableSession(rootCtx, kind)
	if err != nil {
		return fmt.Errorf("find resumable session: %w", err)
	}
	if sess == nil {
		builder := queue.New(primary, state)
		sessionID, err := builder.Build(rootCtx, queue.Options{
			Kind: kind,
			Filter: primarystore.CandidateFilter{
				Year:  startYear,
				State: startState,
				Limit: startLimit,
			},
			Reprocess:      startReprocess,
			ConfigSnapshot: config.Snapshot(),
		})
		if err != nil {
			return fmt.Errorf("build queue: %w", err)
		}
		sess, err = state.GetSession(rootCtx, sessionID)
		if err != nil {
			return fmt.Errorf("load new session: %w", err)
		}
	}

	log := obslog.New(config.OperatorLogPath(), 10, 3, 28)
	defer log.Close()

	ext, err := extension.Dial(config.ExtensionPath(), 2*time.Second, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("connect extraction collaborator: %w", err)
	}
	defer ext.Close()

	mailboxDir := filepath.Join(config.MediaRoot(), ".rmcitecraft-userassist")
	mailbox, err := userassist.NewMailbox(mailboxDir)
	if err != nil {
		return fmt.Errorf("open user-assist mailbox: %w", err)
	}

	weightSimilarity, weightUsage := config.PlaceApprovalWeights()
	opts := runner.Options{
		MaxAttempts:       config.RetryMaxAttempts(),
		BaseBackoff:       config.RetryBaseBackoff(),
		MaxBackoff:        config.RetryMaxBackoff(),
		TimeoutFloor:      config.TimeoutFloor(),
		TimeoutMultiplier: config.TimeoutMultiplier(),
		TimeoutCeiling:    config.TimeoutCeiling(),
		AccessDate:        accessDateOrNow(),
		WeightSimilarity:  weightSimilarity,
		WeightUsage:       weightUsage,
	}

	r := runner.New(research, primary, state, ext, ext, mailbox, log, opts)

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			cancel()
		}
	}()

	if err := writePIDFile(pidFilePath(kind)); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not write pid file:", err)
	}
	defer os.Remove(pidFilePath(kind))

	runErr := r.Run(ctx, sess.ID)

	final, loadErr := state.GetSession(rootCtx, sess.ID)
	if loadErr != nil {
		final = sess
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{
			"session":   final.ID,
			"kind":      string(final.Kind),
			"status":    string(final.Status),
			"total":     final.Total,
			"completed": final.Completed,
			"errored":   final.Errored,
			"skipped":   final.Skipped,
		})
	} else {
		fmt.Printf("session %s (%s): %s — %d/%d complete, %d errored, %d skipped\n",
			final.ID, final.Kind, final.Status, final.Completed, final.Total, final.Errored, final.Skipped)
	}

	if errors.Is(runErr, runner.ErrCancelled) {
		return nil
	}
	return runErr
}

func accessDateOrNow() string {
	if d := config.Snapshot()["access_date"]; d != "" {
		return d
	}
	return time.Now().UTC().Format("2006-01-02")
}

func pidFilePath(kind types.SessionKind) string {
	return filepath.Join(config.MediaRoot(), fmt.Sprintf(".rmcitecraft.%s.pid", kind))
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
