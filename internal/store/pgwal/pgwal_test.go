package pgwal

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/querysql"
	"github.com/roach88/govexec/internal/testutil"
	"github.com/roach88/govexec/internal/wal"
)

func newMockLog(t *testing.T) (*Log, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, wal.Stamper{
		IDs:   ids.NewFixedGenerator("evt-1", "evt-2"),
		Clock: testutil.NewStepClock(),
	}), mock
}

func TestAppend(t *testing.T) {
	log, mock := newMockLog(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tenant_sequences")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wal_events")).
		WithArgs("t1", int64(7), "evt-1", "e1", "", "s1", "intent_received",
			`{"file":"a.csv"}`, sqlmock.AnyArg(), testutil.Epoch).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := log.Append(ctx, wal.Event{
		TenantID:    "t1",
		ExecutionID: "e1",
		SessionID:   "s1",
		Type:        wal.EventIntentReceived,
		Payload:     map[string]any{"file": "a.csv"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.Sequence)
	assert.Equal(t, "evt-1", stored.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_RollsBackOnInsertFailure(t *testing.T) {
	log, mock := newMockLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tenant_sequences")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wal_events")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := log.Append(context.Background(), wal.Event{
		TenantID:    "t1",
		ExecutionID: "e1",
		Type:        wal.EventIntentReceived,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InvalidEventNeverTouchesDB(t *testing.T) {
	log, mock := newMockLog(t)

	_, err := log.Append(context.Background(), wal.Event{ExecutionID: "e1", Type: wal.EventIntentReceived})
	assert.ErrorIs(t, err, wal.ErrInvalidEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery(t *testing.T) {
	log, mock := newMockLog(t)

	payload := map[string]any{"allowed": true}
	hash := canon.MustHash(canon.DomainPayload, payload)

	cols := []string{"event_id", "tenant_id", "seq", "execution_id", "saga_id", "session_id",
		"event_type", "payload", "payload_hash", "ts"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+querysql.EventColumns+" FROM wal_events WHERE tenant_id = $1 AND execution_id = $2 ORDER BY seq ASC")).
		WithArgs("t1", "e1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("evt-2", "t1", int64(2), "e1", "", "s1", "policy_evaluated", `{"allowed":true}`, hash, testutil.Epoch))

	events, err := log.Query(context.Background(), wal.Filter{TenantID: "t1", ExecutionID: "e1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, wal.EventPolicyEvaluated, events[0].Type)
	assert.Equal(t, true, events[0].Payload["allowed"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_DetectsCorruption(t *testing.T) {
	log, mock := newMockLog(t)

	cols := []string{"event_id", "tenant_id", "seq", "execution_id", "saga_id", "session_id",
		"event_type", "payload", "payload_hash", "ts"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+querysql.EventColumns)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("evt-1", "t1", int64(1), "e1", "", "", "intent_received", `{"a":1}`, "bogus", testutil.Epoch))

	_, err := log.Query(context.Background(), wal.Filter{TenantID: "t1"})
	assert.ErrorIs(t, err, wal.ErrCorrupt)
}

func TestLastSequence(t *testing.T) {
	log, mock := newMockLog(t)

	mock.ExpectQuery(regexp.QuoteMeta(lastSequenceSQL)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(42)))
	mock.ExpectQuery(regexp.QuoteMeta(lastSequenceSQL)).
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}))

	last, err := log.LastSequence(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), last)

	last, err = log.LastSequence(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	log, mock := newMockLog(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS tenant_sequences")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, log.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
