package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/miams/rmcitecraft/internal/config"
)

// jsonOutput, set by the persistent --json flag, toggles JSON vs. styled
// text rendering across every subcommand (the teacher's cmd/bd convention).
var jsonOutput bool

// rootCtx is the base context of every command. start.go derives the
// context it passes to runner.Run from it and cancels that derived context
// on SIGINT/SIGTERM, so Ctrl-C pauses a batch cooperatively instead of
// killing it mid-commit.
var rootCtx context.Context

var rootCmd = &cobra.Command{
	Use:   "rmcitecraft",
	Short: "Genealogy citation batch orchestration",
	Long: `rmcitecraft drives census and Find A Grave citation batches against a
local genealogy database: it extracts source pages through an external
browser/LLM collaborator, matches extracted rows to existing persons, formats
citations per Evidence Explained era rules, and commits them across three
local SQLite stores with crash-safe recovery.

The interactive presentation layer is a separate process; this binary is the
narrow operator surface over the core: start, stop, status, version, and a
terminal fallback (resolve) for the user-assist protocol when no other UI is
attached.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "start", "stop", "status", "resolve":
			return config.Initialize()
		default:
			return nil
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of styled text")
	rootCmd.AddGroup(&cobra.Group{ID: "batch", Title: "Batch commands:"})
	rootCmd.AddGroup(&cobra.Group{ID: "views", Title: "Views:"})
}

// Execute runs the command tree and exits non-zero on failure, per spec.md
// §6 "each command exits 0 on success, non-zero on configuration/connection
// failure."
func Execute() {
	rootCtx = context.Background()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// outputJSON writes v as indented JSON to stdout, mirroring the teacher's
// outputJSON helper used by every --json-aware command.
func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "Error encoding JSON:", err)
		os.Exit(1)
	}
}
