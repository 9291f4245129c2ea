package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSource struct {
	providers []*Provider
	loads     int
	err       error
}

func (s *countingSource) EnabledProviders(context.Context) ([]*Provider, error) {
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.providers, nil
}

func TestRegistryRefreshesLazily(t *testing.T) {
	t.Parallel()
	src := &countingSource{providers: []*Provider{{ID: "p1"}}}
	reg := NewRegistry(src, 5*time.Second)
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	got, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, src.loads)

	_, err = reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, src.loads)

	now = now.Add(6 * time.Second)
	_, err = reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads)
}

func TestRegistryInvalidateForcesReload(t *testing.T) {
	t.Parallel()
	src := &countingSource{providers: []*Provider{{ID: "p1"}}}
	reg := NewRegistry(src, time.Hour)
	ctx := context.Background()

	_, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, src.loads)

	src.providers = []*Provider{{ID: "p1"}, {ID: "p2"}}
	reg.Invalidate()

	got, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 2, src.loads)
}

func TestRegistryServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()
	src := &countingSource{providers: []*Provider{{ID: "p1"}}}
	reg := NewRegistry(src, 5*time.Second)
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := reg.Snapshot(ctx)
	require.NoError(t, err)

	src.err = errors.New("connection refused")
	now = now.Add(time.Minute)
	got, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Without a prior snapshot the failure surfaces.
	cold := NewRegistry(&countingSource{err: errors.New("connection refused")}, time.Second)
	_, err = cold.Snapshot(ctx)
	require.Error(t, err)
}

func TestRegistryFindByID(t *testing.T) {
	t.Parallel()
	src := &countingSource{providers: []*Provider{{ID: "p1"}, {ID: "p2", Name: "backup"}}}
	reg := NewRegistry(src, time.Hour)
	ctx := context.Background()

	p, err := reg.FindByID(ctx, "p2")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "backup", p.Name)

	p, err = reg.FindByID(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, p)
}
