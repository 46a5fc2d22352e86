package conversation

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/nexus/model"
)

var (
	convoColumns  = []string{"id", "type", "name", "created_by", "created_at", "last_message_at"}
	memberColumns = []string{"conversation_id", "user_id", "username", "joined_at"}
)

func newMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), mock
}

func expectGet(mock sqlmock.Sqlmock, id string, typ Type, members ...string) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(convoColumns).AddRow(id, string(typ), "", members[0], now, now))

	rows := sqlmock.NewRows(memberColumns)
	for _, m := range members {
		rows.AddRow(id, m, "name-"+m, now)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_members cm")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)
}

func TestFindOrCreateDirectCreates(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (direct_key) DO NOTHING")).
		WithArgs(TypeP2P, "a", sqlmock.AnyArg(), "a:b").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_members")).
		WithArgs("c1", "a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_members")).
		WithArgs("c1", "b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectGet(mock, "c1", TypeP2P, "a", "b")

	convo, created, err := store.FindOrCreateDirect(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c1", convo.ID)
	assert.False(t, convo.IsGroup)
	assert.Equal(t, []string{"a", "b"}, convo.MemberIDs())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A second call for the same pair, in either order, must resolve to the
// conversation created by the first.
func TestFindOrCreateDirectReturnsExisting(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (direct_key) DO NOTHING")).
		WithArgs(TypeP2P, "b", sqlmock.AnyArg(), "a:b").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM conversations WHERE direct_key = $1")).
		WithArgs("a:b").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectCommit()
	expectGet(mock, "c1", TypeP2P, "a", "b")

	convo, created, err := store.FindOrCreateDirect(context.Background(), "b", "a")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c1", convo.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateDirectRollsBack(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (direct_key) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_members")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, _, err := store.FindOrCreateDirect(context.Background(), "a", "b")
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateDirectRejectsSelf(t *testing.T) {
	store, mock := newMock(t)

	_, _, err := store.FindOrCreateDirect(context.Background(), "a", "a")
	assert.ErrorIs(t, err, ErrSelfConversation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("a", "b"), DirectKey("b", "a"))
	assert.NotEqual(t, DirectKey("a", "b"), DirectKey("a", "c"))
}

func TestCreateGroup(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO conversations (type, name, created_by, created_at, last_message_at)")).
		WithArgs(TypeGroup, "team", "a", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("g1"))
	for _, id := range []string{"a", "b", "c"} {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_members")).
			WithArgs("g1", id, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_members cm")).
		WillReturnRows(sqlmock.NewRows(memberColumns).
			AddRow("g1", "c", "carol", now).
			AddRow("g1", "b", "bob", now).
			AddRow("g1", "a", "alice", now))

	convo := &model.Conversation{Name: "team", CreatedBy: "a"}
	require.NoError(t, store.CreateGroup(context.Background(), convo, []string{"a", "b", "", "c", "b"}))
	assert.Equal(t, "g1", convo.ID)
	assert.True(t, convo.IsGroup)
	assert.Len(t, convo.Members, 3)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateGroupNeedsMembers(t *testing.T) {
	store, _ := newMock(t)
	err := store.CreateGroup(context.Background(), &model.Conversation{CreatedBy: "a"}, []string{"a", "a"})
	assert.ErrorIs(t, err, ErrNotEnoughMembers)
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(convoColumns))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestListForUser(t *testing.T) {
	store, mock := newMock(t)
	older := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE m.user_id = $1")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows(convoColumns).
			AddRow("c2", "group", "team", "b", older, newer).
			AddRow("c1", "p2p", "", "a", older, older))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_members cm")).
		WillReturnRows(sqlmock.NewRows(memberColumns).
			AddRow("c1", "b", "bob", older).
			AddRow("c1", "a", "alice", older).
			AddRow("c2", "a", "alice", older).
			AddRow("c2", "b", "bob", older))

	convos, err := store.ListForUser(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, convos, 2)
	assert.Equal(t, "c2", convos[0].ID)
	assert.True(t, convos[0].IsGroup)
	assert.Equal(t, "team", convos[0].Name)
	assert.Equal(t, []string{"b", "a"}, convos[1].MemberIDs())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListForUserEmpty(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE m.user_id = $1")).
		WillReturnRows(sqlmock.NewRows(convoColumns))

	convos, err := store.ListForUser(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, convos)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsMember(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WithArgs("c1", "a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.IsMember(context.Background(), "c1", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversations WHERE id = $1")).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversations WHERE id = $1")).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "c1"))
	assert.ErrorIs(t, store.Delete(context.Background(), "c1"), ErrConversationNotFound)
}
