package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/events"
	"github.com/botforge/botforge/internal/events/bus"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

type fakeFinisher struct {
	finished []string
}

func (f *fakeFinisher) FinishDeploy(_ context.Context, _ int64, jobID string) error {
	f.finished = append(f.finished, jobID)
	return nil
}

func TestHandlerReleasesSlotAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	finisher := &fakeFinisher{}
	eventBus := bus.NewMemoryEventBus(newTestLogger())

	var got []*bus.Event
	_, err := eventBus.Subscribe(events.DeploySucceeded, func(_ context.Context, e *bus.Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	handler := NewHandler(env.graph, env.store, finisher, eventBus, newTestLogger())
	err = handler(context.Background(), &v1.JobPayload{
		JobID:       "deploy_shop_aabbccdd",
		Kind:        v1.JobKindDeploy,
		ProjectID:   "p1",
		ProjectName: "shop",
		UserID:      42,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"deploy_shop_aabbccdd"}, finisher.finished)
	require.Len(t, got, 1)
	assert.Equal(t, "deploy_shop_aabbccdd", got[0].Data["job_id"])

	cp, err := env.store.Load(context.Background(), "deploy_shop_aabbccdd")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.State.DeployStatus.Terminal())
}
