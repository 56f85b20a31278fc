// Package tui provides the terminal loop watcher behind `loopd watch`.
//
// The watcher polls a running server and shows every loop with its status,
// iteration progress and todo checklist. The selected loop gets a detail
// panel with its plan, review cycles and last error.
//
// Keys:
//   - up/down or k/j move the selection
//   - / filters loops by name or id
//   - s stops the selected loop
//   - q or Ctrl+C quits
//
// Usage:
//
//	client := api.NewClient(addr)
//	err := tui.RunWatch(ctx, client, time.Second)
package tui
