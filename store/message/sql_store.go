package message

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/nexus-im/nexus/model"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const selectMessage = `
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(m.body, ''), COALESCE(m.image, ''),
			COALESCE(m.client_id, ''), m.created_at
		FROM messages m
`

func (s *SQLStore) Create(ctx context.Context, msg *model.Message) (created bool, err error) {
	if msg.Body == "" && msg.Image == "" {
		return false, ErrEmptyMessage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	msgInsert := `
		INSERT INTO messages (conversation_id, sender_id, body, image, client_id, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)
		ON CONFLICT (sender_id, client_id) DO NOTHING
		RETURNING id, created_at
	`

	created = true
	err = tx.QueryRowContext(ctx, msgInsert,
		msg.ConversationID, msg.SenderID, msg.Body, msg.Image, msg.ClientID, msg.CreatedAt,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		// Retry of a create that already went through.
		created = false
		var stored model.Message
		err = tx.QueryRowContext(ctx, selectMessage+`WHERE m.sender_id = $1 AND m.client_id = $2`,
			msg.SenderID, msg.ClientID,
		).Scan(&stored.ID, &stored.ConversationID, &stored.SenderID, &stored.Body, &stored.Image, &stored.ClientID, &stored.CreatedAt)
		if err == nil {
			if stored.ConversationID != msg.ConversationID {
				err = ErrClientIDReused
				return false, err
			}
			*msg = stored
		}
	}
	if err != nil {
		return false, errors.Wrap(err, "insert message")
	}

	if created {
		seenInsert := `
			INSERT INTO message_seen (message_id, user_id, seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`
		if _, err = tx.ExecContext(ctx, seenInsert, msg.ID, msg.SenderID, msg.CreatedAt); err != nil {
			return false, errors.Wrap(err, "insert sender seen")
		}

		bump := `
			UPDATE conversations
			SET last_message_at = GREATEST(last_message_at, $2)
			WHERE id = $1
		`
		if _, err = tx.ExecContext(ctx, bump, msg.ConversationID, msg.CreatedAt); err != nil {
			return false, errors.Wrap(err, "bump conversation")
		}
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit")
	}

	if created {
		msg.SeenBy = []string{msg.SenderID}
		return true, nil
	}

	seen, err := s.loadSeen(ctx, []string{msg.ID})
	if err != nil {
		return false, err
	}
	msg.SeenBy = seen[msg.ID]
	return false, nil
}

func (s *SQLStore) List(ctx context.Context, conversationID string) ([]model.Message, error) {
	return s.query(ctx, selectMessage+`
		WHERE m.conversation_id = $1
		ORDER BY m.created_at, m.id
	`, conversationID)
}

// MarkSeen relies on the (message_id, user_id) primary key so that concurrent
// or repeated calls only ever add rows, and RETURNING reports exactly the
// rows this call added.
func (s *SQLStore) MarkSeen(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	query := `
		INSERT INTO message_seen (message_id, user_id, seen_at)
		SELECT m.id, $2, $3
		FROM messages m
		WHERE m.conversation_id = $1
		ON CONFLICT DO NOTHING
		RETURNING message_id
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, userID, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "mark seen")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan seen")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "mark seen")
	}
	if len(ids) == 0 {
		return []model.Message{}, nil
	}

	return s.query(ctx, selectMessage+`
		WHERE m.id = ANY($1::uuid[])
		ORDER BY m.created_at, m.id
	`, pq.Array(ids))
}

func (s *SQLStore) Latest(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error) {
	latest := make(map[string]*model.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return latest, nil
	}

	msgs, err := s.query(ctx, `
		SELECT DISTINCT ON (m.conversation_id)
			m.id, m.conversation_id, m.sender_id, COALESCE(m.body, ''), COALESCE(m.image, ''),
			COALESCE(m.client_id, ''), m.created_at
		FROM messages m
		WHERE m.conversation_id = ANY($1::uuid[])
		ORDER BY m.conversation_id, m.created_at DESC, m.id DESC
	`, pq.Array(conversationIDs))
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		latest[msgs[i].ConversationID] = &msgs[i]
	}
	return latest, nil
}

// query runs a message select and attaches the seen-by set of every row.
func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	msgs := []model.Message{}
	ids := []string{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Image, &m.ClientID, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	if len(ids) == 0 {
		return msgs, nil
	}

	seen, err := s.loadSeen(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].SeenBy = seen[msgs[i].ID]
		if msgs[i].SeenBy == nil {
			msgs[i].SeenBy = []string{}
		}
	}
	return msgs, nil
}

// loadSeen returns the seen-by set of each message in read order.
func (s *SQLStore) loadSeen(ctx context.Context, messageIDs []string) (map[string][]string, error) {
	query := `
		SELECT message_id, user_id
		FROM message_seen
		WHERE message_id = ANY($1::uuid[])
		ORDER BY seen_at, user_id
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		return nil, errors.Wrap(err, "load seen")
	}
	defer rows.Close()

	seen := make(map[string][]string, len(messageIDs))
	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, errors.Wrap(err, "scan seen")
		}
		seen[messageID] = append(seen[messageID], userID)
	}
	return seen, errors.Wrap(rows.Err(), "load seen")
}
