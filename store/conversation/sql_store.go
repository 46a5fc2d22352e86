package conversation

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

const selectConversation = `
		SELECT c.id, c.type, COALESCE(c.name, ''), c.created_by, c.created_at, c.last_message_at
		FROM conversations c
`

// FindOrCreateDirect relies on the unique direct_key column: the insert
// either claims the pair or, when another transaction already did, waits for
// it and yields no row, in which case the existing conversation is read back.
func (s *SQLStore) FindOrCreateDirect(ctx context.Context, creatorID, otherID string) (*model.Conversation, bool, error) {
	if creatorID == otherID {
		return nil, false, ErrSelfConversation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	key := DirectKey(creatorID, otherID)
	now := time.Now().UTC()

	convoInsert := `
		INSERT INTO conversations (type, created_by, created_at, last_message_at, direct_key)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING id
	`

	var id string
	created := true
	err = tx.QueryRowContext(ctx, convoInsert, TypeP2P, creatorID, now, key).Scan(&id)
	if err == sql.ErrNoRows {
		created = false
		err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, key).Scan(&id)
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "claim direct conversation")
	}

	if created {
		if err = insertMembers(ctx, tx, id, []string{creatorID, otherID}, now); err != nil {
			return nil, false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit")
	}

	convo, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return convo, created, nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, convo *model.Conversation, memberIDs []string) (err error) {
	memberIDs = dedupe(memberIDs)
	if len(memberIDs) < 2 {
		return ErrNotEnoughMembers
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now().UTC()
	}
	convo.IsGroup = true
	convo.LastMessageAt = convo.CreatedAt

	convoInsert := `
		INSERT INTO conversations (type, name, created_by, created_at, last_message_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $4)
		RETURNING id
	`

	if err = tx.QueryRowContext(ctx, convoInsert, TypeGroup, convo.Name, convo.CreatedBy, convo.CreatedAt).Scan(&convo.ID); err != nil {
		return errors.Wrap(err, "insert group")
	}

	if err = insertMembers(ctx, tx, convo.ID, memberIDs, convo.CreatedAt); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}

	members, err := s.loadMembers(ctx, []string{convo.ID})
	if err != nil {
		return err
	}
	convo.Members = members[convo.ID]
	return nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, conversationID string, memberIDs []string, joinedAt time.Time) error {
	memberInsert := `
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES ($1, $2, $3)
	`
	for _, memberID := range memberIDs {
		if _, err := tx.ExecContext(ctx, memberInsert, conversationID, memberID, joinedAt); err != nil {
			return errors.Wrapf(err, "insert member %s", memberID)
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+`WHERE c.id = $1`, id)

	convo, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, errors.Wrap(err, "select conversation")
	}

	members, err := s.loadMembers(ctx, []string{convo.ID})
	if err != nil {
		return nil, err
	}
	convo.Members = members[convo.ID]
	return convo, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (s *SQLStore) ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	query := selectConversation + `
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.last_message_at DESC, c.id
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	convos := []*model.Conversation{}
	ids := []string{}
	for rows.Next() {
		convo, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		convos = append(convos, convo)
		ids = append(ids, convo.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	if len(ids) == 0 {
		return convos, nil
	}

	members, err := s.loadMembers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, convo := range convos {
		convo.Members = members[convo.ID]
	}
	return convos, nil
}

func (s *SQLStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)
	`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "check membership")
	}
	return ok, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// loadMembers returns the members of each conversation, most recent join
// first.
func (s *SQLStore) loadMembers(ctx context.Context, conversationIDs []string) (map[string][]model.Member, error) {
	query := `
		SELECT cm.conversation_id, cm.user_id, u.username, cm.joined_at
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = ANY($1::uuid[])
		ORDER BY cm.joined_at DESC, cm.user_id
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(conversationIDs))
	if err != nil {
		return nil, errors.Wrap(err, "load members")
	}
	defer rows.Close()

	members := make(map[string][]model.Member, len(conversationIDs))
	for rows.Next() {
		var convoID string
		var m model.Member
		if err := rows.Scan(&convoID, &m.UserID, &m.Username, &m.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		members[convoID] = append(members[convoID], m)
	}
	return members, errors.Wrap(rows.Err(), "load members")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var convo model.Conversation
	var typ Type
	if err := row.Scan(&convo.ID, &typ, &convo.Name, &convo.CreatedBy, &convo.CreatedAt, &convo.LastMessageAt); err != nil {
		return nil, err
	}
	convo.IsGroup = typ == TypeGroup
	return &convo, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
