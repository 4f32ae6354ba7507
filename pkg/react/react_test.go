package react

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterationLifecycle(t *testing.T) {
	rt := NewRuntime(DefaultConfig())

	it := rt.StartIteration()
	assert.Equal(t, 0, it.Index)
	assert.Equal(t, StatusReasoning, it.Status)
	assert.NotEmpty(t, it.ID)

	rt.RecordThought("figure out the first step")
	rt.RecordAction("echo")
	rt.RecordObservation("hello", true)
	rt.Complete("done with everything", "stop")

	iters := rt.Iterations()
	require.Len(t, iters, 1)
	assert.Equal(t, "figure out the first step", iters[0].Thought)
	assert.Equal(t, "echo", iters[0].Action)
	assert.Equal(t, "hello", iters[0].Observation)
	assert.Equal(t, StatusCompletion, iters[0].Status)
	assert.Equal(t, "done with everything", rt.FinalResponse())
	assert.Equal(t, StopDone, rt.StopReason())
}

func TestTerminalIterationIsFrozen(t *testing.T) {
	rt := NewRuntime(DefaultConfig())
	rt.StartIteration()
	rt.Fail("tool exploded")

	rt.RecordThought("late thought")
	rt.RecordAction("late action")
	rt.Complete("late response", "stop")

	iters := rt.Iterations()
	require.Len(t, iters, 1)
	assert.Equal(t, StatusFailed, iters[0].Status)
	assert.Equal(t, "tool exploded", iters[0].ErrorMessage)
	assert.Empty(t, iters[0].Thought)
	assert.Empty(t, iters[0].Response)
}

func TestIterationIndexesAreMonotonic(t *testing.T) {
	rt := NewRuntime(DefaultConfig())
	for i := 0; i < 4; i++ {
		it := rt.StartIteration()
		assert.Equal(t, i, it.Index)
	}
	assert.Equal(t, 4, rt.IterationCount())
}

func TestHaltOnMaxIterations(t *testing.T) {
	rt := NewRuntime(Config{MaxIterations: 2})

	halt, _ := rt.ShouldHalt()
	assert.False(t, halt)

	rt.StartIteration()
	rt.StartIteration()

	halt, reason := rt.ShouldHalt()
	assert.True(t, halt)
	assert.Contains(t, reason, "max iterations")
}

func TestHaltOnErrorStreak(t *testing.T) {
	rt := NewRuntime(Config{MaxErrorStreak: 3})

	for i := 0; i < 3; i++ {
		rt.StartIteration()
		rt.RecordObservation("boom", false)
	}

	halt, reason := rt.ShouldHalt()
	assert.True(t, halt)
	assert.Contains(t, reason, "consecutive errors")
	assert.Equal(t, 3, rt.ConsecutiveErrors())
}

func TestSuccessResetsCounters(t *testing.T) {
	rt := NewRuntime(Config{MaxErrorStreak: 3, MaxIdleRounds: 3})

	rt.StartIteration()
	rt.RecordObservation("boom", false)
	rt.RecordObservation("boom", false)
	rt.MarkIdleRound()
	assert.Equal(t, 2, rt.ConsecutiveErrors())
	assert.Equal(t, 1, rt.IdleRounds())

	rt.RecordObservation("ok", true)
	assert.Equal(t, 0, rt.ConsecutiveErrors())
	assert.Equal(t, 0, rt.IdleRounds())

	halt, _ := rt.ShouldHalt()
	assert.False(t, halt)
}

func TestHaltOnIdleRounds(t *testing.T) {
	rt := NewRuntime(Config{MaxIdleRounds: 2})

	rt.StartIteration()
	rt.MarkIdleRound()
	rt.StartIteration()
	rt.MarkIdleRound()

	halt, reason := rt.ShouldHalt()
	assert.True(t, halt)
	assert.Contains(t, reason, "idle rounds")
}

func TestCompletionResetsCounters(t *testing.T) {
	rt := NewRuntime(DefaultConfig())

	rt.StartIteration()
	rt.RecordObservation("boom", false)
	rt.MarkIdleRound()

	rt.StartIteration()
	rt.Complete("final", "stop")

	assert.Equal(t, 0, rt.ConsecutiveErrors())
	assert.Equal(t, 0, rt.IdleRounds())
}

func TestZeroConfigGetsDefaults(t *testing.T) {
	rt := NewRuntime(Config{})

	for i := 0; i < 99; i++ {
		rt.StartIteration()
	}
	halt, _ := rt.ShouldHalt()
	assert.False(t, halt)

	rt.StartIteration()
	halt, _ = rt.ShouldHalt()
	assert.True(t, halt)
}
