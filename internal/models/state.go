package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Item is one materialized remote document. Payload is opaque JSON.
type Item struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Revision string          `json:"revision,omitempty"`
}

// Clone returns a copy that shares no memory with i.
func (i Item) Clone() Item {
	clone := Item{ID: i.ID, Revision: i.Revision}
	if i.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	return clone
}

// CollectionState is the merged, id-ordered view of one collection.
type CollectionState struct {
	Collection  Collection `json:"collection"`
	Owner       string     `json:"owner,omitempty"` // identity the items were synced for
	Items       []Item     `json:"items"`
	LastUpdated time.Time  `json:"last_updated"`
}

// NewCollectionState creates an empty state.
func NewCollectionState(c Collection) *CollectionState {
	return &CollectionState{
		Collection: c,
		Items:      []Item{},
	}
}

// SortItems orders items by id.
func SortItems(items []Item) {
	sort.Slice(items, func(a, b int) bool {
		return items[a].ID < items[b].ID
	})
}

// Get returns the item with the given id.
func (s *CollectionState) Get(id string) (Item, bool) {
	idx := sort.Search(len(s.Items), func(i int) bool {
		return s.Items[i].ID >= id
	})
	if idx < len(s.Items) && s.Items[idx].ID == id {
		return s.Items[idx], true
	}
	return Item{}, false
}

// Len returns the number of items.
func (s *CollectionState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Items)
}

// IDs returns the item ids in order.
func (s *CollectionState) IDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// Validate checks ordering and id uniqueness.
func (s *CollectionState) Validate() error {
	if !s.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, s.Collection)
	}

	for i, item := range s.Items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("item at index %d has empty id", i)
		}
		if i > 0 {
			prev := s.Items[i-1].ID
			if prev == item.ID {
				return fmt.Errorf("duplicate item id %q", item.ID)
			}
			if prev > item.ID {
				return fmt.Errorf("items not ordered by id at index %d", i)
			}
		}
	}

	return nil
}

// Clone creates a deep copy of the state.
func (s *CollectionState) Clone() *CollectionState {
	clone := &CollectionState{
		Collection:  s.Collection,
		Owner:       s.Owner,
		LastUpdated: s.LastUpdated,
		Items:       make([]Item, len(s.Items)),
	}
	for i, item := range s.Items {
		clone.Items[i] = item.Clone()
	}
	return clone
}
