// Package browser defines the BrowserSession capability the Extractor
// implementation (an external collaborator, §1) may use, and that the
// core's retry/recovery logic reasons about at the level of health-check
// and recover only (spec.md §4.5). Grounded on the teacher's
// internal/rpc.Client shape: an opaque handle to a pre-existing remote
// resource with a health check and a reconnect path, never one this
// package itself establishes authentication for.
package browser

import "context"

// Session is a handle to a pre-existing, user-authenticated browser
// attached via a remote-debug channel. The core never launches or
// authenticates a browser; it only drives and health-checks one that
// already exists (spec.md §4.5).
type Session interface {
	Goto(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string) (string, error)
	Download(ctx context.Context, selector string) (path string, err error)
	IsHealthy(ctx context.Context) bool

	// Recover must reattach without losing authentication. If it cannot,
	// it returns an error and the current Item is marked error with kind
	// Blocked (spec.md §4.5).
	Recover(ctx context.Context) error
}
