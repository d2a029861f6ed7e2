package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/preflight-health/preflight/pkg/llm"
)

// Run bundles everything one driver invocation needs. The runner builds it;
// drivers only consume it.
type Run struct {
	Task         string
	ExtendPrompt string
	MaxSteps     int
	LLM          llm.Client
	Tools        *Tools
	Handle       *Handle
	Log          *slog.Logger
	Events       io.Writer
}

// Driver executes the reasoning loop for one bound run and returns the
// final result text. The built-in driver speaks one JSON action per model
// turn; alternatives plug in behind this interface.
type Driver interface {
	Run(ctx context.Context, run *Run) (string, error)
}

const basePrompt = `You are a browser automation agent working prior-authorization portals on behalf of a clinic.
You control a real Chromium session. Reply to every turn with exactly one JSON object and nothing else:

{"thought": "short reasoning", "action": "<name>", "args": {…}}

The result of each action comes back as an Observation in the next user message. Never invent page
content; when unsure what is on screen, use extract_text first. Finish with:

{"action": "done", "args": {"result": "what you accomplished", "success": true}}

Set "success" to false only when the task cannot be completed.`

type jsonDriver struct{}

var _ Driver = jsonDriver{}

func (jsonDriver) Run(ctx context.Context, run *Run) (string, error) {
	system := systemPrompt(run)
	messages := []llm.Message{{Role: llm.RoleUser, Content: "Your task: " + run.Task}}

	for step := 1; step <= run.MaxSteps; step++ {
		if err := run.Handle.checkpoint(ctx); err != nil {
			return "", err
		}

		fmt.Fprintf(run.Events, "📍 Step %d of %d\n", step, run.MaxSteps)

		reply, err := run.LLM.Generate(ctx, system, messages)
		if err != nil {
			return "", fmt.Errorf("model call failed on step %d: %w", step, err)
		}
		messages = append(messages, llm.Message{Role: llm.RoleModel, Content: reply})

		act, err := parseAction(reply)
		if err != nil {
			run.Log.Warn("Reply was not a single JSON action", "step", step, "error", err)
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("Your reply could not be used: %v. Answer with exactly one JSON action object.", err),
			})
			continue
		}
		if act.Thought != "" {
			run.Log.Info(act.Thought)
		}

		if act.Action == "done" {
			result := strings.TrimSpace(act.Args.Result)
			if result == "" {
				result = "done"
			}
			fmt.Fprintf(run.Events, "📄 Result: %s\n", result)
			if act.Args.Success != nil && !*act.Args.Success {
				return result, fmt.Errorf("agent gave up: %s", result)
			}
			return result, nil
		}

		fmt.Fprintf(run.Events, "🦾 [ACTION] %s\n", describeAction(act))
		observation, toolErr := run.Tools.Execute(ctx, act)
		if toolErr != nil {
			observation = "Error: " + toolErr.Error()
			run.Log.Warn("Tool call failed", "action", act.Action, "error", toolErr)
		} else {
			fmt.Fprintf(run.Events, "📄 Result: %s\n", firstLine(observation))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "Observation: " + observation})
	}

	return "", fmt.Errorf("run did not finish within %d steps", run.MaxSteps)
}

func systemPrompt(run *Run) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	b.WriteString("\n\nActions available on this run:\n")
	for _, line := range run.Tools.describe() {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(`- done {"result": "…", "success": true|false} — finish the run` + "\n")

	if files := run.Tools.allowedFiles(); len(files) > 0 {
		b.WriteString("\nFiles you may upload:\n")
		for _, f := range files {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}

	if run.ExtendPrompt != "" {
		b.WriteString("\n")
		b.WriteString(run.ExtendPrompt)
	}
	return b.String()
}

func describeAction(act *action) string {
	switch act.Action {
	case "navigate":
		return fmt.Sprintf("navigate → %s", act.Args.URL)
	case "click":
		return fmt.Sprintf("click → %s", act.Args.Selector)
	case "upload_file":
		return fmt.Sprintf("upload_file → %s (input %d)", act.Args.Path, act.Args.Index)
	default:
		return act.Action
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
