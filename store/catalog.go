package store

import (
	"fmt"
	"sort"

	"goflare.io/armodel/models"
)

// catalog is an in-process header table shared by the memory and file
// stores. Callers hold the owning store's lock.
type catalog map[string]*models.ModelEntry

func (c catalog) query(index Index, r Range) ([]*models.ModelEntry, error) {
	var result []*models.ModelEntry

	switch index {
	case IndexAssetType:
		for _, e := range c {
			if e.AssetType == r.Value {
				result = append(result, e.Header())
			}
		}
		sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	case IndexCreatedAt, IndexLastAccessed, IndexAccessCount:
		for _, e := range c {
			if r.contains(indexValue(e, index)) {
				result = append(result, e.Header())
			}
		}
		sort.Slice(result, func(i, j int) bool {
			vi, vj := indexValue(result[i], index), indexValue(result[j], index)
			if vi != vj {
				return vi < vj
			}
			return result[i].Key < result[j].Key
		})
	default:
		return nil, fmt.Errorf("unknown index %q", index)
	}

	return result, nil
}
