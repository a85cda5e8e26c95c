package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/models"
)

const endpointE = "https://fcm.googleapis.com/fcm/send/endpoint-e"

func TestSubscribeCheckUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.subscribe(t, testStation, 1, endpointE)
	assert.True(t, res.Subscription.Active)
	assert.Equal(t, models.PortAvailable, res.Subscription.TargetStatus)
	assert.Equal(t, models.TaskPending, res.Task.Status)
	assert.Equal(t, res.Subscription.ID, res.Task.SubscriptionID)

	ports, err := env.registry.CheckSubscribed(ctx, testStation, endpointE)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ports)

	count, err := env.registry.Unsubscribe(ctx, testStation, 1, endpointE)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ports, err = env.registry.CheckSubscribed(ctx, testStation, endpointE)
	require.NoError(t, err)
	assert.Empty(t, ports)

	task, err := env.engine.GetTask(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, task.Status)

	count, err = env.registry.Unsubscribe(ctx, testStation, 1, endpointE)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubscribeKeepsOneActiveWatchPerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var results []*SubscribeResult
	for i := 0; i < 4; i++ {
		results = append(results, env.subscribe(t, fmt.Sprintf("station-%d", i), 1, endpointE))
	}

	active := 0
	for i, res := range results {
		sub, ok := env.store.Subscription(res.Subscription.ID)
		require.True(t, ok)
		if sub.Active {
			active++
			assert.Equal(t, len(results)-1, i)
		}
	}
	assert.Equal(t, 1, active)

	first, err := env.engine.GetTask(ctx, results[0].Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, first.Status)
}

func TestSubscribeMultiWatchPolicy(t *testing.T) {
	env := newTestEnv(t, withWatchPolicy(WatchMulti))
	ctx := context.Background()

	env.subscribe(t, testStation, 1, endpointE)
	env.subscribe(t, testStation, 2, endpointE)

	ports, err := env.registry.CheckSubscribed(ctx, testStation, endpointE)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ports)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.subscribe(t, testStation, 1, endpointE)
	second := env.subscribe(t, testStation, 1, endpointE)

	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	subs, err := env.registry.ListReady(context.Background(), testStation, 1, models.PortAvailable)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestSubscribeReactivatesAfterUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.subscribe(t, testStation, 1, endpointE)
	_, err := env.registry.Unsubscribe(ctx, testStation, 1, endpointE)
	require.NoError(t, err)

	again := env.subscribe(t, testStation, 1, endpointE)
	assert.Equal(t, first.Subscription.ID, again.Subscription.ID)
	assert.True(t, again.Subscription.Active)
	assert.NotEqual(t, first.Task.ID, again.Task.ID)
	assert.Equal(t, models.TaskPending, again.Task.Status)
}

func TestListReadyIncludesAnyPortWatchers(t *testing.T) {
	env := newTestEnv(t, withWatchPolicy(WatchMulti))

	env.subscribe(t, testStation, 1, "https://push.example.com/a")
	env.subscribe(t, testStation, models.AnyPort, "https://push.example.com/b")
	env.subscribe(t, testStation, 2, "https://push.example.com/c")

	subs, err := env.registry.ListReady(context.Background(), testStation, 1, models.PortAvailable)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestSubscribeValidation(t *testing.T) {
	env := newTestEnv(t)
	keys := models.PushKeys{P256dh: "p", Auth: "a"}

	cases := map[string]SubscribeRequest{
		"missing station": {Endpoint: endpointE, Keys: keys},
		"negative port":   {StationID: testStation, Port: -1, Endpoint: endpointE, Keys: keys},
		"relative url":    {StationID: testStation, Endpoint: "/push", Keys: keys},
		"missing keys":    {StationID: testStation, Endpoint: endpointE},
		"unknown status":  {StationID: testStation, Endpoint: endpointE, Keys: keys, TargetStatus: "FREE"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.registry.Subscribe(context.Background(), req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}
