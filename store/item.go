package store

import (
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/mangaflow"
)

// withStatusIndex returns a copy of item whose GSI2PK agrees with its status.
// Both backends route every write through here or setWithStatusIndex.
func withStatusIndex(item mangaflow.Item) mangaflow.Item {
	out := make(mangaflow.Item, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	if status, ok := stringAttr(item, mangaflow.AttrStatus); ok {
		out[mangaflow.AttrGSI2PK] = &types.AttributeValueMemberS{
			Value: mangaflow.StatusIndexKey(mangaflow.Status(status)),
		}
	}
	return out
}

// setWithStatusIndex adds the derived GSI2PK to an update that sets status
func setWithStatusIndex(set map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	if _, ok := set[mangaflow.AttrGSI2PK]; ok {
		return nil, errors.New("status index key is derived from status and cannot be set directly")
	}
	for _, key := range []string{mangaflow.AttrPK, mangaflow.AttrSK} {
		if _, ok := set[key]; ok {
			return nil, errors.New("primary key attributes cannot be updated")
		}
	}

	out := make(map[string]types.AttributeValue, len(set)+1)
	for k, v := range set {
		out[k] = v
	}
	if status, ok := stringAttr(set, mangaflow.AttrStatus); ok {
		out[mangaflow.AttrGSI2PK] = &types.AttributeValueMemberS{
			Value: mangaflow.StatusIndexKey(mangaflow.Status(status)),
		}
	}
	return out, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func numberAttr(item map[string]types.AttributeValue, name string) (int, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func stringValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func numberValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}
