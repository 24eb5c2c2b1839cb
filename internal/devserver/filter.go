package devserver

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/TheMichaelB/tasksync/internal/models"
)

// Matches reports whether a JSON object payload satisfies every condition.
// Values compare by their string form so numbers and booleans match the
// string operands used on the wire.
func Matches(payload json.RawMessage, where []models.Condition) bool {
	if len(where) == 0 {
		return true
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}

	for _, cond := range where {
		value, ok := fields[cond.Field]
		if !ok {
			return false
		}

		switch cond.Op {
		case models.OpEqual:
			if !equal(value, cond.Value) {
				return false
			}
		case models.OpArrayContains:
			list, ok := value.([]interface{})
			if !ok || !contains(list, cond.Value) {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// Filter returns the documents matching where, as wire items.
func Filter(docs []Document, where []models.Condition) []models.Item {
	items := make([]models.Item, 0, len(docs))
	for _, doc := range docs {
		if Matches(json.RawMessage(doc.Payload), where) {
			items = append(items, doc.Item())
		}
	}
	return items
}

func contains(list []interface{}, want string) bool {
	for _, v := range list {
		if equal(v, want) {
			return true
		}
	}
	return false
}

func equal(v interface{}, want string) bool {
	switch t := v.(type) {
	case string:
		return t == want
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64) == want
	case bool:
		return strconv.FormatBool(t) == want
	case nil:
		return want == "null"
	default:
		return fmt.Sprint(t) == want
	}
}
