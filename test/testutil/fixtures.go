package testutil

import (
	"encoding/json"
	"io"

	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", io.Discard)
}

// NewCapturingLogger returns a logger whose output lands in out.
func NewCapturingLogger(out *LogOutput) *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", out)
}

// Collection converts a name, panicking on unknown collections.
func Collection(name string) models.Collection {
	c, err := models.ParseCollection(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Task describes a task document.
type Task struct {
	Title     string   `json:"title"`
	Status    string   `json:"status,omitempty"`
	CreatedBy string   `json:"created_by,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Project   string   `json:"project,omitempty"`
}

// CreateTask builds a create mutation for a task with a client-assigned id.
func CreateTask(id string, task Task) models.Mutation {
	return models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationCreate,
		TargetID:   id,
		Data:       mustMarshal(task),
	}
}

// UpdateTask builds an update mutation merging fields into a task.
func UpdateTask(id string, fields map[string]interface{}) models.Mutation {
	return models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationUpdate,
		TargetID:   id,
		Data:       mustMarshal(fields),
	}
}

// DeleteTask builds a delete mutation.
func DeleteTask(id string) models.Mutation {
	return models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationDelete,
		TargetID:   id,
	}
}

// CreateTeam builds a create mutation for a team.
func CreateTeam(id, name string, members ...string) models.Mutation {
	return models.Mutation{
		Collection: models.CollectionTeams,
		Kind:       models.OperationCreate,
		TargetID:   id,
		Data:       mustMarshal(map[string]interface{}{"name": name, "members": members}),
	}
}

// CreateNotification builds a create mutation for a notification.
func CreateNotification(id, recipient, text string) models.Mutation {
	return models.Mutation{
		Collection: models.CollectionNotifications,
		Kind:       models.OperationCreate,
		TargetID:   id,
		Data:       mustMarshal(map[string]interface{}{"recipient": recipient, "text": text}),
	}
}

// ItemIDs returns the ids of a state's items in order.
func ItemIDs(state *models.CollectionState) []string {
	if state == nil {
		return nil
	}
	ids := make([]string, 0, len(state.Items))
	for _, item := range state.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
