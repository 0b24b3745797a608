package store

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/mangaflow"
)

// MemoryTable implements mangaflow.ItemTable using in-memory storage.
// Conditions, sort order and the status index behave as in DynamoDBTable.
type MemoryTable struct {
	items map[string]mangaflow.Item // PK|SK -> item
	mu    sync.RWMutex
}

// NewMemoryTable creates a new in-memory item table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		items: make(map[string]mangaflow.Item),
	}
}

var _ mangaflow.ItemTable = (*MemoryTable)(nil)

func (t *MemoryTable) Create(ctx context.Context, item mangaflow.Item) error {
	pk, _ := stringAttr(item, mangaflow.AttrPK)
	sk, _ := stringAttr(item, mangaflow.AttrSK)
	id := keyString(mangaflow.Key{PK: pk, SK: sk})

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.items[id]; exists {
		return mangaflow.ErrAlreadyExists
	}

	t.items[id] = withStatusIndex(item)
	return nil
}

func (t *MemoryTable) Get(ctx context.Context, key mangaflow.Key) (mangaflow.Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	item, exists := t.items[keyString(key)]
	if !exists {
		return nil, mangaflow.ErrItemNotFound
	}

	return copyItem(item), nil
}

func (t *MemoryTable) QueryPrefix(ctx context.Context, pk, skPrefix string, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	return t.query(mangaflow.AttrPK, mangaflow.AttrSK, pk, skPrefix, opts), nil
}

func (t *MemoryTable) QueryIndex(ctx context.Context, index mangaflow.Index, pk, skPrefix string, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	pkAttr, skAttr, err := indexAttributes(index)
	if err != nil {
		return nil, err
	}
	return t.query(pkAttr, skAttr, pk, skPrefix, opts), nil
}

func (t *MemoryTable) query(pkAttr, skAttr, pk, skPrefix string, opts mangaflow.QueryOptions) []mangaflow.Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type entry struct {
		sk   string
		item mangaflow.Item
	}

	var matched []entry
	for _, item := range t.items {
		itemPK, ok := stringAttr(item, pkAttr)
		if !ok || itemPK != pk {
			continue
		}
		itemSK, ok := stringAttr(item, skAttr)
		if !ok || !strings.HasPrefix(itemSK, skPrefix) {
			continue
		}
		if opts.EntityType != "" {
			if et, _ := stringAttr(item, mangaflow.AttrEntityType); et != opts.EntityType.String() {
				continue
			}
		}
		matched = append(matched, entry{sk: itemSK, item: item})
	}

	sort.Slice(matched, func(i, j int) bool {
		if opts.Descending {
			return matched[i].sk > matched[j].sk
		}
		return matched[i].sk < matched[j].sk
	})

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]mangaflow.Item, 0, len(matched))
	for _, e := range matched {
		out = append(out, copyItem(e.item))
	}
	return out
}

func (t *MemoryTable) Update(ctx context.Context, key mangaflow.Key, update mangaflow.Update) (mangaflow.Item, error) {
	set, err := setWithStatusIndex(update.Set)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := keyString(key)
	current, exists := t.items[id]
	if !conditionHolds(current, exists, update.Condition) {
		return nil, mangaflow.ErrConditionFailed
	}

	next := make(mangaflow.Item, len(current)+len(set)+2)
	for k, v := range current {
		next[k] = v
	}
	next[mangaflow.AttrPK] = stringValue(key.PK)
	next[mangaflow.AttrSK] = stringValue(key.SK)
	for k, v := range set {
		next[k] = v
	}

	t.items[id] = next
	return copyItem(next), nil
}

// Len returns the number of stored items
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func conditionHolds(current mangaflow.Item, exists bool, cond mangaflow.Condition) bool {
	if cond.MustExist && !exists {
		return false
	}
	if len(cond.StatusNotIn) > 0 {
		status, _ := stringAttr(current, mangaflow.AttrStatus)
		for _, s := range cond.StatusNotIn {
			if status == string(s) {
				return false
			}
		}
	}
	for name, want := range cond.Equals {
		got, ok := current[name]
		if !ok || !attributeEqual(got, want) {
			return false
		}
	}
	return true
}

func attributeEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	default:
		return reflect.DeepEqual(a, b)
	}
}

// copyItem copies the top-level map. Attribute values are never mutated in
// place, so sharing them is safe.
func copyItem(item mangaflow.Item) mangaflow.Item {
	out := make(mangaflow.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
