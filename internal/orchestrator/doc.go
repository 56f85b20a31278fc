// Package orchestrator drives loops through their lifecycle.
//
// A loop runs an agent against its own git worktree until the agent prints
// the completion marker, then waits for a completion action:
//   - accept merges the working branch into the base branch
//   - push publishes the working branch to the remote
//   - discard tears the workspace down
//
// After a merge or push the loop becomes addressable: review comments start a
// new review cycle that runs the agent again, on a fresh review branch off the
// base branch for merged loops or on the same branch for pushed loops.
//
// Every state transition is persisted before the next step runs. Loops found
// mid-run at startup are marked stopped by Recover.
//
// Example usage:
//
//	mgr := orchestrator.NewManager(orchestrator.Options{
//		Store:      db,
//		Workspaces: workspace.NewManager(workspace.Options{}),
//		Backends:   registry,
//	})
//	loop, err := mgr.CreateLoop(ctx, orchestrator.CreateLoopRequest{
//		Prompt:    "Add a health check endpoint",
//		Directory: "/src/service",
//		Start:     true,
//	})
package orchestrator
