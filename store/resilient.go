package store

import (
	"context"

	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// ResilientTable retries transient table failures such as throttling.
// Condition failures and missing items are returned at once.
type ResilientTable struct {
	inner   mangaflow.ItemTable
	retrier *resilience.Retrier
}

// NewResilientTable wraps inner with the retry policy
func NewResilientTable(inner mangaflow.ItemTable, retrier *resilience.Retrier) *ResilientTable {
	return &ResilientTable{inner: inner, retrier: retrier}
}

var _ mangaflow.ItemTable = (*ResilientTable)(nil)

func (t *ResilientTable) Create(ctx context.Context, item mangaflow.Item) error {
	return t.retrier.Do(ctx, "store.create", func(ctx context.Context) error {
		return t.inner.Create(ctx, item)
	})
}

func (t *ResilientTable) Get(ctx context.Context, key mangaflow.Key) (mangaflow.Item, error) {
	return resilience.Retry(ctx, t.retrier, "store.get", func(ctx context.Context) (mangaflow.Item, error) {
		return t.inner.Get(ctx, key)
	})
}

func (t *ResilientTable) QueryPrefix(ctx context.Context, pk, skPrefix string, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	return resilience.Retry(ctx, t.retrier, "store.query", func(ctx context.Context) ([]mangaflow.Item, error) {
		return t.inner.QueryPrefix(ctx, pk, skPrefix, opts)
	})
}

func (t *ResilientTable) QueryIndex(ctx context.Context, index mangaflow.Index, pk, skPrefix string, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	return resilience.Retry(ctx, t.retrier, "store.query_index", func(ctx context.Context) ([]mangaflow.Item, error) {
		return t.inner.QueryIndex(ctx, index, pk, skPrefix, opts)
	})
}

func (t *ResilientTable) Update(ctx context.Context, key mangaflow.Key, update mangaflow.Update) (mangaflow.Item, error) {
	return resilience.Retry(ctx, t.retrier, "store.update", func(ctx context.Context) (mangaflow.Item, error) {
		return t.inner.Update(ctx, key, update)
	})
}
