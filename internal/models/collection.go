package models

import (
	"fmt"
	"strings"
)

// Collection names one logical class of synchronized data.
type Collection string

const (
	CollectionTasks         Collection = "tasks"
	CollectionTeams         Collection = "teams"
	CollectionProjects      Collection = "projects"
	CollectionNotifications Collection = "notifications"
	CollectionUsers         Collection = "users"
)

// AllCollections returns every logical collection in a stable order.
func AllCollections() []Collection {
	return []Collection{
		CollectionTasks,
		CollectionTeams,
		CollectionProjects,
		CollectionNotifications,
		CollectionUsers,
	}
}

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, s)
	}
	return c, nil
}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	for _, known := range AllCollections() {
		if c == known {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}

// Filter operators understood by remote stores.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Condition is a single field predicate of a SourceQuery.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// SourceQuery is one remote subscription contributing items to a collection.
// An empty Where matches every document of the collection.
type SourceQuery struct {
	ID         string      `json:"id"`
	Collection Collection  `json:"collection"`
	Where      []Condition `json:"where,omitempty"`
}

// Validate checks the query is addressable.
func (q SourceQuery) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("source query id is required")
	}
	if !q.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, q.Collection)
	}
	for _, cond := range q.Where {
		if cond.Field == "" {
			return fmt.Errorf("source query %s: condition field is required", q.ID)
		}
		if cond.Op != OpEqual && cond.Op != OpArrayContains {
			return fmt.Errorf("source query %s: unsupported operator %q", q.ID, cond.Op)
		}
	}
	return nil
}

func (q SourceQuery) String() string {
	if len(q.Where) == 0 {
		return fmt.Sprintf("%s/%s(*)", q.Collection, q.ID)
	}
	parts := make([]string, 0, len(q.Where))
	for _, cond := range q.Where {
		parts = append(parts, fmt.Sprintf("%s %s %s", cond.Field, cond.Op, cond.Value))
	}
	return fmt.Sprintf("%s/%s(%s)", q.Collection, q.ID, strings.Join(parts, " && "))
}
