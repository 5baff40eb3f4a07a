package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/tools"
)

// Spawner starts background subagents.
type Spawner interface {
	Spawn(ctx context.Context, origin subagent.Origin, goal string) (string, error)
}

// SpawnTool lets the model hand a goal to a background subagent. It returns
// as soon as the task is scheduled.
type SpawnTool struct {
	Spawner Spawner
}

func (SpawnTool) Name() string { return "spawn" }

func (SpawnTool) Description() string {
	return "Start a background subagent for a self-contained goal. Returns a task id immediately; " +
		"the result is delivered to this chat when the subagent finishes."
}

func (SpawnTool) Parameters() []tools.Parameter {
	return []tools.Parameter{
		{Name: "goal", Type: "string", Description: "What the subagent should accomplish.", Required: true},
		{Name: "label", Type: "string", Description: "Short label shown with the result."},
	}
}

func (s SpawnTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	execCtx := tools.ExecutionContextFrom(ctx)
	if execCtx == nil || execCtx.SessionKey == "" {
		return "", errors.New("spawn requires a session context")
	}
	goal, _ := args["goal"].(string)
	if goal == "" {
		return "", errors.New("goal cannot be empty")
	}
	label, _ := args["label"].(string)

	id, err := s.Spawner.Spawn(ctx, subagent.Origin{
		SessionKey: execCtx.SessionKey,
		Channel:    execCtx.Channel,
		ChatID:     execCtx.ChatID,
		Label:      label,
	}, goal)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Subagent %s started (id: %s). I'll report back when it finishes.", labelOr(label, "task"), id), nil
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return fmt.Sprintf("%q", label)
}

// Register adds the built-in tools to r. spawner may be nil to leave spawn out.
func Register(r *tools.Registry, spawner Spawner) error {
	if err := r.Register(Calculator{}); err != nil {
		return err
	}
	if spawner != nil {
		if err := r.Register(SpawnTool{Spawner: spawner}); err != nil {
			return err
		}
	}
	return nil
}
