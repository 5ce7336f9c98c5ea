package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Tainted bool   `json:"tainted"`
	Source  string `json:"source"`
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	var got verdict
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", verdict{Tainted: true, Source: "list"}, time.Minute))
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, verdict{Tainted: true, Source: "list"}, got)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestMultiLevelBackfill(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemoryCache(time.Minute, time.Minute)
	l2 := NewMemoryCache(time.Minute, time.Minute)
	m := NewMultiLevelCache(l1, l2)

	// 只写 L2，读取后应回写 L1
	require.NoError(t, l2.Set(ctx, "k", verdict{Source: "l2"}, time.Minute))
	var got verdict
	require.NoError(t, m.Get(ctx, "k", &got))
	assert.Equal(t, "l2", got.Source)
	assert.Equal(t, 1, l1.ItemCount())

	assert.ErrorIs(t, m.Get(ctx, "missing", &got), ErrCacheMiss)
}
