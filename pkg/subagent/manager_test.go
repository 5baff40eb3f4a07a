package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/bus"
)

type runnerFunc func(ctx context.Context, req RunRequest) (RunResult, error)

func (f runnerFunc) RunSubagent(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}

func setupManager(t *testing.T, runner Runner, mutate ...func(*Config)) (*Manager, *bus.MessageBus, string) {
	t.Helper()
	b := bus.NewMessageBus(10, zerolog.Nop())
	registry := filepath.Join(t.TempDir(), "subagents.json")
	cfg := Config{RegistryPath: registry, Logger: zerolog.Nop()}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(runner, b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
		b.Close()
	})
	return m, b, registry
}

func consumeOutbound(t *testing.T, b *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.ConsumeOutbound(ctx)
	require.NoError(t, err)
	return msg
}

var origin = Origin{SessionKey: "cli:chat1:alice", Channel: "cli", ChatID: "chat1", Label: "research"}

func TestSpawnDeliversResultToParentChat(t *testing.T) {
	var got RunRequest
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		got = req
		return RunResult{Content: "found 3 papers"}, nil
	})
	m, b, _ := setupManager(t, runner)

	id, err := m.Spawn(context.Background(), origin, "find papers")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg := consumeOutbound(t, b)
	assert.Equal(t, "cli", msg.Channel)
	assert.Equal(t, "chat1", msg.ChatID)
	assert.Contains(t, msg.Content, "found 3 papers")
	assert.Contains(t, msg.Content, `"research"`)
	assert.Equal(t, id, msg.Metadata[bus.MetaSubagentID])
	assert.False(t, msg.Flag(bus.MetaError))

	assert.Equal(t, "cli:chat1:alice#sub-"+id, got.SessionKey)
	assert.Equal(t, "find papers", got.Goal)
	assert.Equal(t, DefaultMaxIterations, got.MaxIterations)

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
	task, _ := m.Get(id)
	require.NotNil(t, task.Result)
	assert.Equal(t, msg.Content, task.Result.Content)
}

func TestSpawnReturnsBeforeRunnerFinishes(t *testing.T) {
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		<-release
		return RunResult{Content: "done"}, nil
	})
	m, b, _ := setupManager(t, runner)

	id, err := m.Spawn(context.Background(), origin, "slow goal")
	require.NoError(t, err)

	task, ok := m.Get(id)
	require.True(t, ok)
	assert.False(t, task.Status.IsTerminal())

	close(release)
	consumeOutbound(t, b)
}

func TestSpawnContextIsDetachedFromCaller(t *testing.T) {
	traceSeen := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		traceSeen <- tracing.TraceID(ctx)
		return RunResult{Content: "ok"}, nil
	})
	m, b, _ := setupManager(t, runner)

	parent, cancel := context.WithCancel(tracing.WithTraceID(context.Background(), "trace-1"))
	_, err := m.Spawn(parent, origin, "goal")
	require.NoError(t, err)
	cancel()

	msg := consumeOutbound(t, b)
	assert.False(t, msg.Flag(bus.MetaError))
	assert.Equal(t, "trace-1", <-traceSeen)
}

func TestSpawnFailureIsReported(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		return RunResult{}, errors.New("provider unavailable")
	})
	m, b, _ := setupManager(t, runner)

	id, err := m.Spawn(context.Background(), origin, "goal")
	require.NoError(t, err)

	msg := consumeOutbound(t, b)
	assert.True(t, msg.Flag(bus.MetaError))
	assert.Contains(t, msg.Content, "provider unavailable")

	require.Eventually(t, func() bool {
		task, _ := m.Get(id)
		return task.Status == StatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestSpawnRecoversRunnerPanic(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		panic("boom")
	})
	m, b, _ := setupManager(t, runner)

	_, err := m.Spawn(context.Background(), origin, "goal")
	require.NoError(t, err)

	msg := consumeOutbound(t, b)
	assert.True(t, msg.Flag(bus.MetaError))
	assert.Contains(t, msg.Content, "panicked")
}

func TestSpawnTruncatedResultIsFlagged(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		return RunResult{Content: "partial", Truncated: true}, nil
	})
	m, b, _ := setupManager(t, runner)

	_, err := m.Spawn(context.Background(), origin, "goal")
	require.NoError(t, err)
	assert.True(t, consumeOutbound(t, b).Flag(bus.MetaTruncated))
}

func TestSpawnRejectsBadRequests(t *testing.T) {
	m, _, _ := setupManager(t, runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		return RunResult{}, nil
	}))

	tests := []struct {
		name    string
		origin  Origin
		goal    string
		wantErr error
	}{
		{name: "empty goal", origin: origin, goal: "  "},
		{name: "missing parent", origin: Origin{}, goal: "x"},
		{name: "nested", origin: Origin{SessionKey: "cli:c:u#sub-abc"}, goal: "x", wantErr: ErrNestedSpawn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Spawn(context.Background(), tt.origin, tt.goal)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSpawnEnforcesPerParentCap(t *testing.T) {
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return RunResult{Content: "ok"}, nil
	})
	m, _, _ := setupManager(t, runner, func(c *Config) { c.MaxPerParent = 2 })
	defer close(release)

	for range 2 {
		_, err := m.Spawn(context.Background(), origin, "goal")
		require.NoError(t, err)
	}
	_, err := m.Spawn(context.Background(), origin, "goal")
	assert.ErrorIs(t, err, ErrTooManySubagents)

	other := origin
	other.SessionKey = "cli:chat2:bob"
	_, err = m.Spawn(context.Background(), other, "goal")
	assert.NoError(t, err)
}

func TestCancelSuppressesDelivery(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return RunResult{Content: "partial output"}, nil
	})
	m, b, _ := setupManager(t, runner)

	id, err := m.Spawn(context.Background(), origin, "goal")
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(id))
	<-stopped

	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "cancelled", task.Error)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.ConsumeOutbound(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, m.Cancel("missing"), ErrTaskNotFound)
	assert.NoError(t, m.Cancel(id))
}

func TestCancelAll(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})
	m, _, _ := setupManager(t, runner)

	for range 3 {
		_, err := m.Spawn(context.Background(), origin, "goal")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.CancelAll(origin.SessionKey))
	assert.Equal(t, 0, m.CancelAll(origin.SessionKey))
	assert.Equal(t, 0, m.Stats().Active)
	assert.Equal(t, 3, m.Stats().Failed)
}

func TestRegistryPersistsAndMarksInterrupted(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		if strings.Contains(req.Goal, "quick") {
			return RunResult{Content: "ok"}, nil
		}
		once.Do(func() { <-block })
		return RunResult{}, nil
	})
	b := bus.NewMessageBus(10, zerolog.Nop())
	defer b.Close()
	registry := filepath.Join(t.TempDir(), "nested", "subagents.json")

	m, err := NewManager(runner, b, Config{RegistryPath: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)

	quick, err := m.Spawn(context.Background(), origin, "quick goal")
	require.NoError(t, err)
	consumeOutbound(t, b)
	slow, err := m.Spawn(context.Background(), origin, "slow goal")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(registry)
		if err != nil {
			return false
		}
		var reg registryFile
		return json.Unmarshal(data, &reg) == nil && len(reg.Tasks) == 2
	}, time.Second, 10*time.Millisecond)

	// a fresh manager over the same file simulates a restart while slow runs
	restarted, err := NewManager(runner, b, Config{RegistryPath: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)

	q, ok := restarted.Get(quick)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, q.Status)

	s, ok := restarted.Get(slow)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "interrupted by restart", s.Error)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestListStatsAndCleanup(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		return RunResult{Content: "ok"}, nil
	})
	m, b, _ := setupManager(t, runner)

	first, err := m.Spawn(context.Background(), origin, "one")
	require.NoError(t, err)
	consumeOutbound(t, b)
	other := origin
	other.SessionKey = "cli:chat2:bob"
	_, err = m.Spawn(context.Background(), other, "two")
	require.NoError(t, err)
	consumeOutbound(t, b)

	require.Eventually(t, func() bool { return m.Stats().Completed == 2 }, time.Second, 10*time.Millisecond)
	assert.Len(t, m.List(""), 2)
	mine := m.List(origin.SessionKey)
	require.Len(t, mine, 1)
	assert.Equal(t, first, mine[0].ID)

	assert.Equal(t, 0, m.Cleanup(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, m.Cleanup(time.Millisecond))
	assert.Equal(t, 0, m.Stats().Total)
}

func TestCloseRejectsNewSpawns(t *testing.T) {
	m, _, _ := setupManager(t, runnerFunc(func(ctx context.Context, req RunRequest) (RunResult, error) {
		return RunResult{}, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	_, err := m.Spawn(context.Background(), origin, "goal")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
