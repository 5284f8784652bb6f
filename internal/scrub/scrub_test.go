package scrub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/model"
)

// sliceWalker walks a fixed ascending set of logical addresses.
func sliceWalker(addrs []model.LogicalAddress) NextFunc {
	return func(after model.LogicalAddress, start bool) (model.LogicalAddress, bool) {
		for _, a := range addrs {
			if a > after || (start && a >= after) {
				return a, true
			}
		}
		return 0, false
	}
}

func newTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	store, err := metastore.New(metastore.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFullPassChecksEveryBlock(t *testing.T) {
	store := newTestStore(t)
	addrs := []model.LogicalAddress{0, 3, 7, 12}

	var visited []model.LogicalAddress
	s := New(Config{
		Store: store,
		Next:  sliceWalker(addrs),
		Verify: func(_ context.Context, l model.LogicalAddress) (bool, error) {
			visited = append(visited, l)
			return false, nil
		},
	})

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addrs, visited)
	assert.Equal(t, 4, report.BlocksChecked)
	assert.True(t, report.Clean())
}

func TestReportsRepairsAndErrors(t *testing.T) {
	store := newTestStore(t)
	broken := errors.New("stripe exhausted")

	s := New(Config{
		Store: store,
		Next:  sliceWalker([]model.LogicalAddress{1, 2, 3}),
		Verify: func(_ context.Context, l model.LogicalAddress) (bool, error) {
			switch l {
			case 2:
				return true, nil
			case 3:
				return false, broken
			}
			return false, nil
		},
	})

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], broken)
	assert.False(t, report.Clean())
}

func TestInterruptedPassResumes(t *testing.T) {
	store := newTestStore(t)
	addrs := []model.LogicalAddress{10, 20, 30, 40}

	ctx, cancel := context.WithCancel(context.Background())
	var first []model.LogicalAddress
	s := New(Config{
		Store: store,
		Next:  sliceWalker(addrs),
		Verify: func(_ context.Context, l model.LogicalAddress) (bool, error) {
			first = append(first, l)
			if l == 20 {
				cancel()
			}
			return false, nil
		},
	})

	_, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []model.LogicalAddress{10, 20}, first)

	// A fresh run picks up after the last verified block instead of
	// starting over.
	var second []model.LogicalAddress
	s2 := New(Config{
		Store: store,
		Next:  sliceWalker(addrs),
		Verify: func(_ context.Context, l model.LogicalAddress) (bool, error) {
			second = append(second, l)
			return false, nil
		},
	})
	report, err := s2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.LogicalAddress{30, 40}, second)
	assert.Equal(t, 2, report.BlocksChecked)
}

func TestCompletedPassClearsCheckpoint(t *testing.T) {
	store := newTestStore(t)
	s := New(Config{
		Store: store,
		Next:  sliceWalker([]model.LogicalAddress{5}),
		Verify: func(context.Context, model.LogicalAddress) (bool, error) {
			return false, nil
		},
	})
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	// Next pass starts from the top again.
	var visited []model.LogicalAddress
	s2 := New(Config{
		Store: store,
		Next:  sliceWalker([]model.LogicalAddress{5}),
		Verify: func(_ context.Context, l model.LogicalAddress) (bool, error) {
			visited = append(visited, l)
			return false, nil
		},
	})
	_, err = s2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.LogicalAddress{5}, visited)
}
