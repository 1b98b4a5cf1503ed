package main

import (
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

// Version, Build, Commit, and Branch are overridden by ldflags at build
// time; resolveCommit/resolveBranch fall back to build-info VCS tags, and
// resolveBranch finally to a runtime git invocation, following the
// teacher's version.go.
var (
	Version = "0.1.0"
	Build   = "dev"
	Commit  = ""
	Branch  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit := resolveCommit()
		branch := resolveBranch()

		if jsonOutput {
			result := map[string]string{"version": Version, "build": Build}
			if commit != "" {
				result["commit"] = commit
			}
			if branch != "" {
				result["branch"] = branch
			}
			outputJSON(result)
			return
		}

		switch {
		case commit != "" && branch != "":
			fmt.Printf("rmcitecraft version %s (%s: %s@%s)\n", Version, Build, branch, shortCommit(commit))
		case commit != "":
			fmt.Printf("rmcitecraft version %s (%s: %s)\n", Version, Build, shortCommit(commit))
		default:
			fmt.Printf("rmcitecraft version %s (%s)\n", Version, Build)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func resolveCommit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func resolveBranch() string {
	if Branch != "" {
		return Branch
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.branch" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	cmd := exec.Command("git", "symbolic-ref", "--short", "HEAD")
	if out, err := cmd.Output(); err == nil {
		if branch := strings.TrimSpace(string(out)); branch != "" && branch != "HEAD" {
			return branch
		}
	}
	return ""
}
