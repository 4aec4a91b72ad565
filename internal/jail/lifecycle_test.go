package jail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartGuards(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.AddJail("up1", true)
	fake.AddJail("down1", false)
	ctx := context.Background()

	err := engine.Start(ctx, "up1")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, fake.Running("up1"))

	err = engine.Start(ctx, "gone")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, ErrNotFound)

	err = engine.Start(ctx, DefaultsTarget)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, fake.MutatingCalls())

	require.NoError(t, engine.Start(ctx, "down1"))
	assert.True(t, fake.Running("down1"))
	assert.Equal(t, []string{"start down1"}, fake.MutatingCalls())
}

func TestStopGuards(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.AddJail("up1", true)
	fake.AddJail("down1", false)
	ctx := context.Background()

	err := engine.Stop(ctx, "down1")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, fake.Running("down1"))

	err = engine.Stop(ctx, "gone")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fake.MutatingCalls())

	require.NoError(t, engine.Stop(ctx, "up1"))
	assert.False(t, fake.Running("up1"))
}

func TestRestartAlwaysEndsRunning(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		want    []string
	}{
		{name: "stopped", running: false, want: []string{"start web1"}},
		{name: "running", running: true, want: []string{"restart web1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, fake := newTestEngine(t)
			fake.AddJail("web1", tt.running)

			require.NoError(t, engine.Restart(context.Background(), "web1"))
			assert.True(t, fake.Running("web1"))
			assert.Equal(t, tt.want, fake.MutatingCalls())
		})
	}
}

func TestRestartAbsent(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.Restart(context.Background(), "gone")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidState)
}

func TestDestroy(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.AddJail("web1", true)
	ctx := context.Background()

	require.NoError(t, engine.Destroy(ctx, "web1"))
	assert.False(t, fake.Has("web1"))

	status, err := engine.Status(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, status)

	require.ErrorIs(t, engine.Destroy(ctx, "web1"), ErrNotFound)
	require.ErrorIs(t, engine.Destroy(ctx, "defaults"), ErrInvalidArgument)
}

func TestLifecycleExecutionFailure(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.AddJail("web1", false)
	fake.FailOp("start", errors.New("jail: exec.prestart failed"))

	err := engine.Start(context.Background(), "web1")
	require.ErrorIs(t, err, ErrExecution)
	assert.False(t, fake.Running("web1"))
}

func TestUpdateAndFetch(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.AddJail("web1", false)
	ctx := context.Background()

	require.NoError(t, engine.Update(ctx, "web1", true))
	require.ErrorIs(t, engine.Update(ctx, "gone", false), ErrNotFound)
	require.NoError(t, engine.Fetch(ctx, "14.0-RELEASE"))

	assert.Equal(t, []string{"update web1 packages=true", "fetch 14.0-RELEASE"}, fake.MutatingCalls())
}
