package devserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/tasksync/internal/models"
)

func TestMatches(t *testing.T) {
	payload := json.RawMessage(`{"created_by":"alice","assignees":["bob","carol"],"priority":2,"done":false}`)

	tests := []struct {
		name  string
		where []models.Condition
		want  bool
	}{
		{name: "no conditions", want: true},
		{
			name:  "equal string",
			where: []models.Condition{{Field: "created_by", Op: models.OpEqual, Value: "alice"}},
			want:  true,
		},
		{
			name:  "equal mismatch",
			where: []models.Condition{{Field: "created_by", Op: models.OpEqual, Value: "bob"}},
		},
		{
			name:  "equal number",
			where: []models.Condition{{Field: "priority", Op: models.OpEqual, Value: "2"}},
			want:  true,
		},
		{
			name:  "equal bool",
			where: []models.Condition{{Field: "done", Op: models.OpEqual, Value: "false"}},
			want:  true,
		},
		{
			name:  "array contains",
			where: []models.Condition{{Field: "assignees", Op: models.OpArrayContains, Value: "carol"}},
			want:  true,
		},
		{
			name:  "array does not contain",
			where: []models.Condition{{Field: "assignees", Op: models.OpArrayContains, Value: "alice"}},
		},
		{
			name:  "array contains on scalar",
			where: []models.Condition{{Field: "created_by", Op: models.OpArrayContains, Value: "alice"}},
		},
		{
			name:  "missing field",
			where: []models.Condition{{Field: "team", Op: models.OpEqual, Value: "x"}},
		},
		{
			name: "all conditions must hold",
			where: []models.Condition{
				{Field: "created_by", Op: models.OpEqual, Value: "alice"},
				{Field: "assignees", Op: models.OpArrayContains, Value: "dave"},
			},
		},
		{
			name:  "unknown operator",
			where: []models.Condition{{Field: "created_by", Op: "!=", Value: "bob"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(payload, tt.where))
		})
	}
}

func TestMatchesRejectsNonObjects(t *testing.T) {
	where := []models.Condition{{Field: "a", Op: models.OpEqual, Value: "1"}}
	assert.False(t, Matches(json.RawMessage(`[1,2]`), where))
	assert.False(t, Matches(json.RawMessage(`not json`), where))
}

func TestFilter(t *testing.T) {
	docs := []Document{
		{ID: "1", Payload: `{"recipient":"alice"}`, Revision: 1},
		{ID: "2", Payload: `{"recipient":"bob"}`, Revision: 4},
		{ID: "3", Payload: `{"recipient":"alice"}`, Revision: 2},
	}

	items := Filter(docs, []models.Condition{{Field: "recipient", Op: models.OpEqual, Value: "alice"}})

	if assert.Len(t, items, 2) {
		assert.Equal(t, "1", items[0].ID)
		assert.Equal(t, "3", items[1].ID)
		assert.Equal(t, "2", items[1].Revision)
		assert.JSONEq(t, `{"recipient":"alice"}`, string(items[1].Payload))
	}
	assert.NotNil(t, Filter(nil, nil))
}
