package executor

import (
	"strings"

	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const planSentinel = "---PLAN END---"

const planPreamble = `Before writing any code, produce a complete implementation plan.
End the plan with the exact line:
` + planSentinel + `
Do not begin implementation until that line has been emitted.

`

const workflowSuffix = `

When the work is complete, commit your changes, merge your branch into the
base branch, and push. Do this yourself as part of completing the task.`

// composePrompt builds the text sent to the agent child process (§4.3 point
// 2). In PLAN mode a fixed preamble instructing the agent to emit a
// sentinel-terminated plan is prepended; in both modes a workflow suffix
// tells the agent to commit/merge/push on success — prompt-level
// automation, not an out-of-band action taken by the executor itself.
func composePrompt(mode v1.Mode, userPrompt string) string {
	var b strings.Builder
	if mode == v1.ModePlan {
		b.WriteString(planPreamble)
	}
	b.WriteString(userPrompt)
	b.WriteString(workflowSuffix)
	return b.String()
}

// splitPlanAndOutput separates a PLAN-mode agent's final output into the
// plan and the output that follows it, per §4.3 point 2. If the sentinel is
// absent, the entire text is the plan and the output is empty.
func splitPlanAndOutput(finalText string) (plan, output string) {
	idx := strings.Index(finalText, planSentinel)
	if idx < 0 {
		return finalText, ""
	}
	plan = strings.TrimSpace(finalText[:idx])
	output = strings.TrimSpace(finalText[idx+len(planSentinel):])
	return plan, output
}
