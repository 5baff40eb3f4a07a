package subagent

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/bus"
)

var (
	ErrTaskNotFound     = errors.New("subagent: task not found")
	ErrTooManySubagents = errors.New("subagent: too many running subagents for this session")
	ErrNestedSpawn      = errors.New("subagent: subagents cannot spawn subagents")
	ErrManagerClosed    = errors.New("subagent: manager closed")
)

// childMarker separates a parent session key from the subagent suffix.
const childMarker = "#sub-"

// ChildSessionKey derives the isolated session key a subagent writes to.
func ChildSessionKey(parent, taskID string) string {
	return parent + childMarker + taskID
}

// IsChildSessionKey reports whether key belongs to a subagent.
func IsChildSessionKey(key string) bool {
	return strings.Contains(key, childMarker)
}

// Origin identifies where a spawn request came from and where the result goes.
type Origin struct {
	SessionKey string
	Channel    string
	ChatID     string
	Label      string
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one background subagent run.
type Task struct {
	ID               string               `json:"id"`
	ParentSessionKey string               `json:"parent_session_key"`
	ChildSessionKey  string               `json:"child_session_key"`
	Channel          string               `json:"channel"`
	ChatID           string               `json:"chat_id"`
	Goal             string               `json:"goal"`
	Label            string               `json:"label,omitempty"`
	Status           Status               `json:"status"`
	Result           *bus.OutboundMessage `json:"result,omitempty"`
	Error            string               `json:"error,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
}

func (t *Task) clone() Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		r.Metadata = maps.Clone(r.Metadata)
		c.Result = &r
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

func (t *Task) name() string {
	if t.Label != "" {
		return "\"" + t.Label + "\""
	}
	return t.ID
}

// RunRequest is handed to the Runner for one subagent invocation.
type RunRequest struct {
	TaskID        string
	SessionKey    string // child session key
	Goal          string
	Origin        Origin
	MaxIterations int
}

// RunResult is what a finished subagent produced.
type RunResult struct {
	Content   string
	Truncated bool
}

// Runner executes one isolated agent invocation for a subagent. The agent
// loop implements it.
type Runner interface {
	RunSubagent(ctx context.Context, req RunRequest) (RunResult, error)
}

// Stats summarizes the tasks the manager knows about.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type registryFile struct {
	Version     int       `json:"version"`
	Tasks       []*Task   `json:"tasks"`
	LastUpdated time.Time `json:"last_updated"`
}
