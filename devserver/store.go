package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"trackchat/models"
)

// ChatMessage is one stored message between two users.
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;size:36"`
	SenderID   string    `gorm:"not null;index:idx_chat_pair,priority:1"`
	ReceiverID string    `gorm:"not null;index:idx_chat_pair,priority:2"`
	Text       string    `gorm:"not null"`
	SentAt     time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}

// Message converts the row to its wire form.
func (m ChatMessage) Message() models.Message {
	return models.Message{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Timestamp:  m.SentAt,
	}
}

// LiveEvent converts the row to the receiveMessage payload.
func (m ChatMessage) LiveEvent() models.LiveEvent {
	return models.LiveEvent{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Message: &models.LivePayload{
			Text:      m.Text,
			Timestamp: m.SentAt,
		},
	}
}

// Employee is one roster entry.
type Employee struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"not null"`
	Email     string
	Role      string `gorm:"index"`
	Avatar    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Model converts the row to its wire form.
func (e Employee) Model() models.Employee {
	return models.Employee{
		ID:     e.ID,
		Name:   e.Name,
		Email:  e.Email,
		Role:   e.Role,
		Avatar: e.Avatar,
	}
}

// LocationReport is one stored position update.
type LocationReport struct {
	ID             uint    `gorm:"primaryKey"`
	UserID         string  `gorm:"not null;index:idx_location_user,priority:1"`
	Latitude       float64 `gorm:"not null"`
	Longitude      float64 `gorm:"not null"`
	LatitudeDelta  float64
	LongitudeDelta float64
	ReportedAt     time.Time `gorm:"not null;index:idx_location_user,priority:2"`
}

// Store persists chat messages through gorm over SQLite.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (or creates) the message database at path and migrates it.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("devserver: database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open message database: %w", err)
	}
	store := &Store{db: db}
	if err := db.AutoMigrate(&ChatMessage{}, &Employee{}, &LocationReport{}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate message database: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveMessage stores message, assigning an ID and server timestamp when absent.
func (s *Store) SaveMessage(ctx context.Context, message ChatMessage) (ChatMessage, error) {
	if message.SenderID == "" {
		return ChatMessage{}, errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return ChatMessage{}, errors.New("receiver_id is required")
	}
	if message.Text == "" {
		return ChatMessage{}, errors.New("text is required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.SentAt.IsZero() {
		message.SentAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message %q: %w", message.ID, err)
	}
	return message, nil
}

// Conversation builds userID's chat document with coworkerID. found is false
// when the two have never exchanged a message.
func (s *Store) Conversation(ctx context.Context, userID, coworkerID string) (models.ChatDocument, bool, error) {
	received, err := s.between(ctx, coworkerID, userID)
	if err != nil {
		return models.ChatDocument{}, false, err
	}
	sent, err := s.between(ctx, userID, coworkerID)
	if err != nil {
		return models.ChatDocument{}, false, err
	}

	document := models.ChatDocument{
		UserID:          userID,
		CoworkerID:      coworkerID,
		MessageReceived: toMessages(received),
		MessageSent:     toMessages(sent),
	}
	return document, len(received)+len(sent) > 0, nil
}

// ReceivedFrom returns receiverID's chat document holding only the messages
// senderID sent to it.
func (s *Store) ReceivedFrom(ctx context.Context, receiverID, senderID string) (models.ChatDocument, error) {
	received, err := s.between(ctx, senderID, receiverID)
	if err != nil {
		return models.ChatDocument{}, err
	}
	return models.ChatDocument{
		UserID:          receiverID,
		CoworkerID:      senderID,
		MessageReceived: toMessages(received),
		MessageSent:     []models.Message{},
	}, nil
}

func (s *Store) between(ctx context.Context, senderID, receiverID string) ([]ChatMessage, error) {
	var rows []ChatMessage
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ?", senderID, receiverID).
		Order("sent_at ASC").
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query messages %q -> %q: %w", senderID, receiverID, err)
	}
	return rows, nil
}

func toMessages(rows []ChatMessage) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Message())
	}
	return out
}

// UpsertEmployee creates or replaces a roster entry.
func (s *Store) UpsertEmployee(ctx context.Context, employee models.Employee) error {
	if employee.ID == "" {
		return errors.New("employee id is required")
	}
	row := Employee{
		ID:     employee.ID,
		Name:   employee.Name,
		Email:  employee.Email,
		Role:   employee.Role,
		Avatar: employee.Avatar,
	}
	if row.Name == "" {
		row.Name = employee.ID
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "role", "avatar", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert employee %q: %w", employee.ID, err)
	}
	return nil
}

// EnsureEmployee adds userID to the roster unless it is already there.
func (s *Store) EnsureEmployee(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("employee id is required")
	}
	row := Employee{ID: userID, Name: userID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure employee %q: %w", userID, err)
	}
	return nil
}

// ListEmployees returns the roster in registration order.
func (s *Store) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	var rows []Employee
	err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	out := make([]models.Employee, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Model())
	}
	return out, nil
}

// SaveLocation stores one position update stamped with the server time.
func (s *Store) SaveLocation(ctx context.Context, report models.LocationReport) (LocationReport, error) {
	if report.UserID == "" {
		return LocationReport{}, errors.New("user id is required")
	}
	row := LocationReport{
		UserID:         report.UserID,
		Latitude:       report.Latitude,
		Longitude:      report.Longitude,
		LatitudeDelta:  report.LatitudeDelta,
		LongitudeDelta: report.LongitudeDelta,
		ReportedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return LocationReport{}, fmt.Errorf("insert location for %q: %w", report.UserID, err)
	}
	return row, nil
}

// LatestLocation returns the most recent report of userID. found is false
// when the user never reported.
func (s *Store) LatestLocation(ctx context.Context, userID string) (LocationReport, bool, error) {
	var rows []LocationReport
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("reported_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return LocationReport{}, false, fmt.Errorf("query location for %q: %w", userID, err)
	}
	if len(rows) == 0 {
		return LocationReport{}, false, nil
	}
	return rows[0], true, nil
}
