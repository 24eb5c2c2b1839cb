// Package devserver is a reference remote store for local runs and tests.
// It accepts writes over HTTP and streams query snapshots over WebSocket.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

// Store errors.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrInvalidDocument  = errors.New("document data must be a JSON object")
)

// Document is one stored record.
type Document struct {
	Collection string    `gorm:"primaryKey;size:64"`
	ID         string    `gorm:"primaryKey;size:128"`
	Payload    string    `gorm:"type:text;not null"`
	Revision   int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName pins the table name.
func (Document) TableName() string {
	return "documents"
}

// Item converts the document to its wire form.
func (d Document) Item() models.Item {
	return models.Item{
		ID:       d.ID,
		Payload:  json.RawMessage(d.Payload),
		Revision: strconv.FormatInt(d.Revision, 10),
	}
}

// Store persists documents in SQLite through gorm.
type Store struct {
	db     *gorm.DB
	logger *events.Logger
	clock  func() time.Time
}

// OpenStore opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func OpenStore(path string, log *events.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log = log.WithField("component", "devserver_store")
	log.WithField("path", path).Info("Database initialized")

	return &Store{db: db, logger: log, clock: time.Now}, nil
}

// Apply executes one write for subject and returns the resulting id and
// revision. Creates stamp created_by when the payload does not set it.
// Deleting a missing document succeeds so replays stay harmless.
func (s *Store) Apply(ctx context.Context, subject string, c models.Collection, req models.WriteRequest) (*models.WriteResponse, error) {
	var resp *models.WriteResponse

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch req.Kind {
		case models.OperationCreate:
			resp, err = s.create(tx, subject, c, req)
		case models.OperationUpdate:
			resp, err = s.update(tx, c, req)
		case models.OperationDelete:
			resp, err = s.delete(tx, c, req)
		default:
			err = fmt.Errorf("%w: kind %q", models.ErrInvalidOperation, req.Kind)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (s *Store) create(tx *gorm.DB, subject string, c models.Collection, req models.WriteRequest) (*models.WriteResponse, error) {
	fields, err := decodeObject(req.Data)
	if err != nil {
		return nil, err
	}
	if _, ok := fields["created_by"]; !ok && subject != "" {
		fields["created_by"] = subject
	}

	id := req.TargetID
	if id == "" {
		id = uuid.NewString()
	}

	var count int64
	if err := tx.Model(&Document{}).Where("collection = ? AND id = ?", string(c), id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentExists, c, id)
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Collection: string(c),
		ID:         id,
		Payload:    string(payload),
		Revision:   1,
		UpdatedAt:  s.clock().UTC(),
	}
	if err := tx.Create(&doc).Error; err != nil {
		return nil, err
	}

	return &models.WriteResponse{ID: id, Revision: "1"}, nil
}

// update merges top-level fields into the stored payload.
func (s *Store) update(tx *gorm.DB, c models.Collection, req models.WriteRequest) (*models.WriteResponse, error) {
	patch, err := decodeObject(req.Data)
	if err != nil {
		return nil, err
	}

	doc, err := s.find(tx, c, req.TargetID)
	if err != nil {
		return nil, err
	}

	fields, err := decodeObject(json.RawMessage(doc.Payload))
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		fields[k] = v
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	doc.Payload = string(payload)
	doc.Revision++
	doc.UpdatedAt = s.clock().UTC()
	if err := tx.Save(doc).Error; err != nil {
		return nil, err
	}

	return &models.WriteResponse{ID: doc.ID, Revision: strconv.FormatInt(doc.Revision, 10)}, nil
}

func (s *Store) delete(tx *gorm.DB, c models.Collection, req models.WriteRequest) (*models.WriteResponse, error) {
	if req.TargetID == "" {
		return nil, fmt.Errorf("%w: delete requires target id", models.ErrInvalidOperation)
	}

	if err := tx.Where("collection = ? AND id = ?", string(c), req.TargetID).Delete(&Document{}).Error; err != nil {
		return nil, err
	}

	return &models.WriteResponse{ID: req.TargetID}, nil
}

func (s *Store) find(tx *gorm.DB, c models.Collection, id string) (*Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: update requires target id", models.ErrInvalidOperation)
	}

	var doc Document
	err := tx.Where("collection = ? AND id = ?", string(c), id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, c, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns every document of c ordered by id.
func (s *Store) List(ctx context.Context, c models.Collection) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("collection = ?", string(c)).
		Order("id").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c, err)
	}
	return docs, nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, c models.Collection, id string) (*Document, error) {
	return s.find(s.db.WithContext(ctx), c, id)
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeObject(data json.RawMessage) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, ErrInvalidDocument
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, ErrInvalidDocument
	}
	return fields, nil
}
