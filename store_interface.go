package mangaflow

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is one stored record in attribute-value form
type Item = map[string]types.AttributeValue

// Key is a primary key
type Key struct {
	PK string
	SK string
}

// Index names a secondary index
type Index string

const (
	// IndexGSI1 resolves an entity by its own id
	IndexGSI1 Index = "GSI1"
	// IndexGSI2 lists entities in a status, ordered by creation time
	IndexGSI2 Index = "GSI2"
)

// QueryOptions shapes a range query
type QueryOptions struct {
	// Descending returns the highest sort keys first
	Descending bool
	// Limit caps the number of returned items; zero means no cap
	Limit int
	// EntityType keeps only items of that type
	EntityType EntityType
}

// Condition guards an update
type Condition struct {
	// MustExist fails the update when the key is absent
	MustExist bool
	// StatusNotIn fails the update when the current status is listed
	StatusNotIn []Status
	// Equals fails the update unless every attribute holds the given value
	Equals map[string]types.AttributeValue
}

// Update is a partial write of named attributes. Setting AttrStatus also
// rewrites the status index key in the same request.
type Update struct {
	Set       map[string]types.AttributeValue
	Condition Condition
}

// ItemTable is the single-table persistence contract shared by every entity
type ItemTable interface {
	// Create writes a new item, failing with ErrAlreadyExists if its key is taken
	Create(ctx context.Context, item Item) error

	// Get loads one item, failing with ErrItemNotFound if absent
	Get(ctx context.Context, key Key) (Item, error)

	// QueryPrefix lists items under pk whose sort key starts with skPrefix
	QueryPrefix(ctx context.Context, pk, skPrefix string, opts QueryOptions) ([]Item, error)

	// QueryIndex lists items of a secondary index partition whose index sort
	// key starts with skPrefix (empty matches all)
	QueryIndex(ctx context.Context, index Index, pk, skPrefix string, opts QueryOptions) ([]Item, error)

	// Update applies a partial write and returns the item after the write.
	// A failed guard returns ErrConditionFailed.
	Update(ctx context.Context, key Key, update Update) (Item, error)
}

// Attribute names shared by the table backends and the repository
const (
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrStatus     = "status"
	AttrUpdatedAt  = "updated_at"
)

// StatusIndexKey is the GSI2 partition key for a status
func StatusIndexKey(status Status) string {
	return "STATUS#" + string(status)
}
