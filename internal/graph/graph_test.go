package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func setStatus(status string) NodeFunc {
	return func(_ context.Context, _ *State) (Update, error) {
		return Update{KeyDeployProgress: status}, nil
	}
}

func TestBuildValidation(t *testing.T) {
	store := NewMemoryCheckpointStore()
	log := testLogger(t)

	t.Run("missing entry", func(t *testing.T) {
		_, err := NewBuilder("g").AddNode("a", setStatus("a")).AddEdge("a", End).Build(store, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entry node not set")
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode("a", setStatus("a")).
			AddEdge("a", "missing").
			SetEntry("a").
			Build(store, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown node")
	})

	t.Run("node without successor", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode("a", setStatus("a")).
			SetEntry("a").
			Build(store, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no outgoing edge")
	})

	t.Run("unreachable node", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode("a", setStatus("a")).
			AddNode("orphan", setStatus("o")).
			AddEdge("a", End).
			AddEdge("orphan", End).
			SetEntry("a").
			Build(store, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreachable")
	})
}

func TestRunSequentialWithCheckpoints(t *testing.T) {
	store := NewMemoryCheckpointStore()
	var order []string
	record := func(name string, upd Update) NodeFunc {
		return func(_ context.Context, _ *State) (Update, error) {
			order = append(order, name)
			return upd, nil
		}
	}

	g, err := NewBuilder("pipeline").
		AddNode("first", record("first", Update{KeyDeployProgress: "analyzing"})).
		AddNode("second", record("second", Update{KeyDeployProgress: "deploying"})).
		AddEdge("first", "second").
		AddEdge("second", End).
		SetEntry("first").
		Build(store, testLogger(t))
	require.NoError(t, err)

	state, err := g.Run(context.Background(), "job_1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "deploying", state.DeployProgress)

	cp, err := store.Load(context.Background(), "job_1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, End, cp.Next)
	assert.Equal(t, "job_1", cp.State.ThreadID)
}

func TestRunConditionalRouting(t *testing.T) {
	store := NewMemoryCheckpointStore()

	g, err := NewBuilder("router").
		AddNode("check", func(_ context.Context, _ *State) (Update, error) {
			return Update{KeyMissingUserSecrets: []string{"TELEGRAM_BOT_TOKEN"}}, nil
		}).
		AddNode("deploy", setStatus("deployed")).
		AddConditionalEdge("check", func(s *State) string {
			if len(s.MissingUserSecrets) > 0 {
				return End
			}
			return "deploy"
		}, "deploy", End).
		AddEdge("deploy", End).
		SetEntry("check").
		Build(store, testLogger(t))
	require.NoError(t, err)

	state, err := g.Run(context.Background(), "job_2", nil)
	require.NoError(t, err)
	assert.Empty(t, state.DeployProgress, "deploy node must be skipped")
	assert.Equal(t, []string{"TELEGRAM_BOT_TOKEN"}, state.MissingUserSecrets)
}

func TestRunFailureSink(t *testing.T) {
	store := NewMemoryCheckpointStore()

	g, err := NewBuilder("failing").
		AddNode("work", func(_ context.Context, _ *State) (Update, error) {
			return nil, errors.New("playbook run failed")
		}).
		AddNode("handle_failure", func(_ context.Context, s *State) (Update, error) {
			return Update{KeyDeployStatus: "failed", KeyDeployError: s.LastError}, nil
		}).
		AddConditionalEdge("work", func(*State) string { return End }, End).
		AddEdge("handle_failure", End).
		OnError("work", "handle_failure").
		SetEntry("work").
		Build(store, testLogger(t))
	require.NoError(t, err)

	state, err := g.Run(context.Background(), "job_3", nil)
	require.NoError(t, err)
	assert.Equal(t, "playbook run failed", state.DeployError)
	assert.EqualValues(t, "failed", state.DeployStatus)
}

func TestRunUnrecoverableErrorKeepsLastCheckpoint(t *testing.T) {
	store := NewMemoryCheckpointStore()

	g, err := NewBuilder("crashing").
		AddNode("ok", setStatus("prepared")).
		AddNode("boom", func(_ context.Context, _ *State) (Update, error) {
			return nil, errors.New("dependency down")
		}).
		AddEdge("ok", "boom").
		AddEdge("boom", End).
		SetEntry("ok").
		Build(store, testLogger(t))
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "job_4", nil)
	require.Error(t, err)

	cp, err := store.Load(context.Background(), "job_4")
	require.NoError(t, err)
	require.NotNil(t, cp)
	// The checkpoint is positioned at the failed node so a redelivered job
	// retries it rather than repeating completed work.
	assert.Equal(t, "boom", cp.Next)
	assert.Equal(t, "prepared", cp.State.DeployProgress)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store := NewMemoryCheckpointStore()
	attempts := 0

	build := func() *Graph {
		g, err := NewBuilder("resumable").
			AddNode("prepare", setStatus("prepared")).
			AddNode("flaky", func(_ context.Context, _ *State) (Update, error) {
				attempts++
				if attempts == 1 {
					return nil, errors.New("transient")
				}
				return Update{KeyDeployStatus: "success"}, nil
			}).
			AddEdge("prepare", "flaky").
			AddEdge("flaky", End).
			SetEntry("prepare").
			Build(store, testLogger(t))
		require.NoError(t, err)
		return g
	}

	g := build()
	_, err := g.Run(context.Background(), "job_5", nil)
	require.Error(t, err)

	// Second delivery resumes at the flaky node; prepare does not rerun.
	state, err := g.Run(context.Background(), "job_5", nil)
	require.NoError(t, err)
	assert.EqualValues(t, "success", state.DeployStatus)
	assert.Equal(t, 2, attempts)
}

func TestRunCompletedThreadRestartsAtEntry(t *testing.T) {
	store := NewMemoryCheckpointStore()
	runs := 0

	g, err := NewBuilder("conversation").
		AddNode("turn", func(_ context.Context, s *State) (Update, error) {
			runs++
			return Update{KeyPOIterations: s.POIterations + 1}, nil
		}).
		AddEdge("turn", End).
		SetEntry("turn").
		Build(store, testLogger(t))
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "thread_1", nil)
	require.NoError(t, err)
	state, err := g.Run(context.Background(), "thread_1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, runs)
	assert.Equal(t, 2, state.POIterations, "state carries over between runs of one thread")
}
