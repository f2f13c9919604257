package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/overnode-org/overnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsRoundTripHealthCheck(t *testing.T) {
	retain := true
	spec := &types.ServiceSpec{
		Name:        "api",
		Labels:      map[string]string{"team": "core"},
		Retain:      &retain,
		Networks:    []string{"front"},
		HealthCheck: &types.HealthCheck{Type: types.HealthCheckHTTP, Endpoint: "127.0.0.1:80/", Interval: time.Second},
	}
	labels, err := Labels("shop", spec, "sha256:f00")
	require.NoError(t, err)

	assert.Equal(t, "core", labels["team"])
	assert.Equal(t, "shop", labels[LabelProject])
	assert.Equal(t, "api", labels[LabelService])
	assert.Equal(t, "sha256:f00", labels[LabelFingerprint])
	assert.Equal(t, "true", labels[LabelRetain])
	assert.JSONEq(t, `["front"]`, labels[LabelNetworks])

	hc, err := HealthCheckFromLabels(labels)
	require.NoError(t, err)
	assert.Equal(t, spec.HealthCheck, hc)

	hc, err = HealthCheckFromLabels(map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, hc)

	_, err = HealthCheckFromLabels(map[string]string{LabelHealthCheck: "{"})
	assert.Error(t, err)
}

func TestEnvIsSorted(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2", "C="}, Env(map[string]string{"C": "", "A": "1", "B": "2"}))
}

func TestMemoryDriver_Lifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()
	spec := &types.ServiceSpec{Name: "web", Image: "nginx"}

	id, err := d.Create(ctx, "shop", spec, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "shop_web", id)

	_, err = d.Create(ctx, "shop", spec, "fp1")
	assert.Error(t, err)

	state, err := d.HealthOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, state, "created but not started")

	require.NoError(t, d.Start(ctx, id))
	state, err = d.HealthOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnknown, state, "no health check declared")

	observed, err := d.Inspect(ctx, "shop")
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, types.ContainerRunning, observed[0].State)
	assert.Equal(t, "fp1", observed[0].Fingerprint)

	other, err := d.Inspect(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, d.Stop(ctx, id))
	require.NoError(t, d.Remove(ctx, id))
	require.NoError(t, d.Remove(ctx, id))

	assert.Equal(t, []string{"create web", "create web", "start web", "stop web", "remove web"}, d.Calls())
}

func TestMemoryDriver_InjectedFailureAndHealth(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()
	boom := errors.New("boom")
	d.FailOn("start", "db", boom)
	d.SetHealth("api", types.HealthUnhealthy)

	id, err := d.Create(ctx, "shop", &types.ServiceSpec{Name: "db"}, "fp")
	require.NoError(t, err)
	assert.ErrorIs(t, d.Start(ctx, id), boom)

	id, err = d.Create(ctx, "shop", &types.ServiceSpec{Name: "api"}, "fp")
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx, id))
	state, err := d.HealthOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, state)
}
