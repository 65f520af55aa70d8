package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaychat/server/model"
	"github.com/relaychat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func TestLog_FlushedOnStop(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	svc.Log(Entry{
		TraceID:  "trace-123",
		UserID:   7,
		Username: "alice",
		Action:   "request.connect",
		Request:  map[string]string{"username": "bob"},
		IP:       "127.0.0.1",
		Duration: 42 * time.Millisecond,
	})
	svc.Stop(context.Background())

	var logs []model.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "trace-123", logs[0].TraceID)
	assert.Equal(t, "alice", logs[0].Username)
	assert.Equal(t, "request.connect", logs[0].Action)
	require.NotNil(t, logs[0].UserID)
	assert.Equal(t, int64(7), *logs[0].UserID)
	assert.JSONEq(t, `{"username":"bob"}`, string(logs[0].Request))
	assert.Equal(t, 42, logs[0].DurationMs)
	assert.Empty(t, logs[0].Error)
}

func TestLog_RecordsError(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Log(Entry{Action: "thumbnail", Err: errors.New("decode: bad data")})
	svc.Stop(context.Background())

	var row model.AuditLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "decode: bad data", row.Error)
	assert.Nil(t, row.UserID)
}

func TestLog_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	defer svc.Stop(context.Background())

	for i := 0; i < batchSize; i++ {
		svc.Log(Entry{Action: "message.send"})
	}
	assert.Eventually(t, func() bool {
		var count int64
		db.Model(&model.AuditLog{}).Count(&count)
		return count == batchSize
	}, time.Second, 20*time.Millisecond)
}

func TestLog_AfterStopIsDropped(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Stop(context.Background())
	svc.Stop(context.Background())

	svc.Log(Entry{Action: "late"})
	var count int64
	db.Model(&model.AuditLog{}).Count(&count)
	assert.Zero(t, count)
}

func TestRecent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	for _, u := range []string{"alice", "bob", "alice"} {
		svc.Log(Entry{Username: u, Action: "message.send"})
	}
	svc.Stop(context.Background())

	rows, err := svc.Recent(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = svc.Recent(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Username)
}

func TestRecent_LimitBounds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	defer svc.Stop(context.Background())

	rows := make([]model.AuditLog, maxRecent+5)
	for i := range rows {
		rows[i] = model.AuditLog{Username: "alice", Action: "message.send"}
	}
	require.NoError(t, db.CreateInBatches(rows, 100).Error)

	got, err := svc.Recent(context.Background(), "", maxRecent*10)
	require.NoError(t, err)
	assert.Len(t, got, maxRecent)

	got, err = svc.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, got, defaultRecent)
}
