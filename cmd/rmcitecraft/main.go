// Command rmcitecraft is the narrow operator-facing surface over the
// Batch Orchestration Core (spec.md §6): start/stop/status/version plus
// a terminal resolve fallback for the user-assist protocol. The primary
// UI is an external NiceGUI layer, out of scope here (spec.md §1) — this
// binary only drives the core and answers its JSON protocol when nothing
// else is attached.
package main

func main() {
	Execute()
}
