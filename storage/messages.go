package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trackchat/models"
)

type scanner interface {
	Scan(dest ...any) error
}

// RecordMessages archives displayed messages of one conversation. Messages
// already archived with the same instant and text are skipped.
func (s *Store) RecordMessages(ownerID, peerID string, messages []models.DisplayMessage) error {
	if ownerID == "" {
		return errors.New("owner_id is required")
	}
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO archived_messages (
			message_key,
			owner_id,
			peer_id,
			direction,
			content,
			timestamp_ns,
			archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := nowUnixMilli()
	for _, message := range messages {
		if !message.Valid() {
			continue
		}
		if err := validateDirection(message.Direction); err != nil {
			return err
		}

		key := messageKey(ownerID, peerID, message.Timestamp, message.Text)
		if _, err := stmt.Exec(
			key,
			ownerID,
			peerID,
			string(message.Direction),
			message.Text,
			message.Timestamp.UnixNano(),
			archivedAt,
		); err != nil {
			return fmt.Errorf("insert archived message %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	return nil
}

// GetConversation returns archived messages between owner and peer ordered by
// message timestamp.
func (s *Store) GetConversation(ownerID, peerID string, limit, offset int) ([]models.ArchivedMessage, error) {
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			owner_id,
			peer_id,
			direction,
			content,
			timestamp_ns
		FROM archived_messages
		WHERE owner_id = ? AND peer_id = ?
		ORDER BY timestamp_ns ASC, archived_at ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		ownerID,
		peerID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %q/%q: %w", ownerID, peerID, err)
	}
	defer rows.Close()

	messages := make([]models.ArchivedMessage, 0)
	for rows.Next() {
		message, err := scanArchivedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived message rows: %w", err)
	}

	return messages, nil
}

// ListConversations summarizes every archived conversation of owner, most
// recently active first.
func (s *Store) ListConversations(ownerID string) ([]ConversationSummary, error) {
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			peer_id,
			COUNT(1),
			MIN(timestamp_ns),
			MAX(timestamp_ns)
		FROM archived_messages
		WHERE owner_id = ?
		GROUP BY peer_id
		ORDER BY MAX(timestamp_ns) DESC, peer_id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %q: %w", ownerID, err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			summary     ConversationSummary
			first, last int64
		)
		if err := rows.Scan(&summary.PeerID, &summary.MessageCount, &first, &last); err != nil {
			return nil, fmt.Errorf("scan conversation summary row: %w", err)
		}
		summary.FirstMessage = fromUnixNano(first)
		summary.LastMessage = fromUnixNano(last)
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation summary rows: %w", err)
	}

	return summaries, nil
}

// GetLatestMessage returns the newest archived message of a conversation.
func (s *Store) GetLatestMessage(ownerID, peerID string) (*models.ArchivedMessage, error) {
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			owner_id,
			peer_id,
			direction,
			content,
			timestamp_ns
		FROM archived_messages
		WHERE owner_id = ? AND peer_id = ?
		ORDER BY timestamp_ns DESC, archived_at DESC, rowid DESC
		LIMIT 1`,
		ownerID,
		peerID,
	)

	message, err := scanArchivedMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest message %q/%q: %w", ownerID, peerID, err)
	}
	return message, nil
}

// PruneBefore removes archived messages older than cutoff.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM archived_messages WHERE timestamp_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune archived messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for archive prune: %w", err)
	}

	return rowsAffected, nil
}

func scanArchivedMessage(row scanner) (*models.ArchivedMessage, error) {
	var (
		message     models.ArchivedMessage
		direction   string
		timestampNS int64
	)

	if err := row.Scan(
		&message.OwnerID,
		&message.PeerID,
		&direction,
		&message.Text,
		&timestampNS,
	); err != nil {
		return nil, err
	}

	message.Direction = models.Direction(direction)
	message.Timestamp = fromUnixNano(timestampNS)
	return &message, nil
}
