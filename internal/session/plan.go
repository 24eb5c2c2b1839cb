package session

import (
	"github.com/TheMichaelB/tasksync/internal/models"
)

// QueryPlan returns the source queries of every collection for a signed-in
// subject. Collections missing from the result are not watched.
type QueryPlan func(subject string) map[models.Collection][]models.SourceQuery

// DefaultPlan watches what a member of the workspace sees: tasks they
// created or are assigned to, their teams and projects, their
// notifications, and the user directory.
func DefaultPlan(subject string) map[models.Collection][]models.SourceQuery {
	return map[models.Collection][]models.SourceQuery{
		models.CollectionTasks: {
			{
				ID:         "created",
				Collection: models.CollectionTasks,
				Where:      []models.Condition{{Field: "created_by", Op: models.OpEqual, Value: subject}},
			},
			{
				ID:         "assigned",
				Collection: models.CollectionTasks,
				Where:      []models.Condition{{Field: "assignees", Op: models.OpArrayContains, Value: subject}},
			},
		},
		models.CollectionTeams: {
			{
				ID:         "member",
				Collection: models.CollectionTeams,
				Where:      []models.Condition{{Field: "members", Op: models.OpArrayContains, Value: subject}},
			},
		},
		models.CollectionProjects: {
			{
				ID:         "member",
				Collection: models.CollectionProjects,
				Where:      []models.Condition{{Field: "members", Op: models.OpArrayContains, Value: subject}},
			},
		},
		models.CollectionNotifications: {
			{
				ID:         "inbox",
				Collection: models.CollectionNotifications,
				Where:      []models.Condition{{Field: "recipient", Op: models.OpEqual, Value: subject}},
			},
		},
		models.CollectionUsers: {
			{ID: "all", Collection: models.CollectionUsers},
		},
	}
}
