package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconciler_Run_StopsOnContextCancel(t *testing.T) {
	repo := newFakeRepo()
	prov := &fakeProvider{}
	prod := &fakeProducer{}

	r := New(repo, prov, prod, "t").WithSettings(5*time.Millisecond, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	require.Error(t, err)
	require.GreaterOrEqual(t, repo.findCalls, 1)
}

func TestReconciler_TriggerForcesImmediateCycle(t *testing.T) {
	repo := newFakeRepo()
	prov := &fakeProvider{}
	prod := &fakeProducer{}

	r := New(repo, prov, prod, "t").WithSettings(time.Hour, 1, 1)
	r.Trigger()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	require.Error(t, err)
	require.GreaterOrEqual(t, repo.findCalls, 1)
	require.NotNil(t, r.Stats().LastTriggerAt)
}
