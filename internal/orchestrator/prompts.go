package orchestrator

import (
	"fmt"
	"strings"
)

// executionPromptTemplate wraps the user's task for the first iteration.
// %s is the task, %s the completion marker.
const executionPromptTemplate = `%s

## Working Agreement

You are working in an isolated git worktree on a dedicated branch. Your
changes are committed automatically after every iteration.

Work in small verified steps. When the task is fully done and verified,
print exactly this marker on its own line:

%s

Do not print the marker before the work is complete. If you stop before
finishing, you will be asked to continue.
`

// continuationPromptTemplate asks the agent to keep going. %d is the
// iteration, %s the completion marker.
const continuationPromptTemplate = `Continue working on the task (iteration %d).

Review what is already done in the worktree, then keep going. When the task
is fully done and verified, print %s on its own line.
`

// planPromptTemplate asks for a plan only. %s is the task, %s the plan marker.
const planPromptTemplate = `%s

## Planning Phase

Do not change any files yet. Investigate the repository and write an
implementation plan: the steps you will take, the files you expect to touch
and how you will verify the result.

When the plan is complete, end your reply with this marker on its own line:

%s
`

// feedbackPromptTemplate carries a plan review round. %s is the feedback,
// %s the plan marker.
const feedbackPromptTemplate = `Revise the plan using this feedback:

%s

Still do not change any files. End the revised plan with %s on its own line.
`

// reviewPromptTemplate starts a review cycle. %d is the cycle, %s the
// comments, %s the completion marker.
const reviewPromptTemplate = `Your previous work was reviewed (review cycle %d). Address these comments:

%s

Make the requested changes in this worktree. When every comment is addressed
and verified, print %s on its own line.
`

func executionPrompt(task string) string {
	return fmt.Sprintf(executionPromptTemplate, strings.TrimSpace(task), CompletionMarker)
}

func continuationPrompt(iteration int) string {
	return fmt.Sprintf(continuationPromptTemplate, iteration, CompletionMarker)
}

func planPrompt(task string) string {
	return fmt.Sprintf(planPromptTemplate, strings.TrimSpace(task), PlanReadyMarker)
}

func feedbackPrompt(feedback string) string {
	return fmt.Sprintf(feedbackPromptTemplate, strings.TrimSpace(feedback), PlanReadyMarker)
}

// planAcceptedPrompt starts execution of an accepted plan. The plan is
// repeated so a fresh session can pick it up too.
func planAcceptedPrompt(task, plan string) string {
	var b strings.Builder
	b.WriteString(executionPrompt(task))
	if plan = strings.TrimSpace(plan); plan != "" {
		b.WriteString("\n## Accepted Plan\n\nThe plan below was approved. Implement it.\n\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}
	return b.String()
}

func reviewPrompt(cycle int, comments string) string {
	return fmt.Sprintf(reviewPromptTemplate, cycle, strings.TrimSpace(comments), CompletionMarker)
}
