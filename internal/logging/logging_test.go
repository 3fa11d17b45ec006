package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/database"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestDBHandlerStoresErrorsOnly(t *testing.T) {
	db := newTestDB(t)
	h := NewDBHandler(db, time.Hour)
	logger := slog.New(h).With("app_id", "demo", "user_id", "u1")

	logger.Info("ignored")
	logger.Error("receipt verification failed",
		"action", "verify_receipt", "product_id", "sub.monthly", "error", errors.New("timeout"), "attempt", 2)
	h.Stop()

	var logs []models.SystemLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)

	entry := logs[0]
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "receipt verification failed", entry.Message)
	assert.Equal(t, "demo", entry.AppID)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "u1", *entry.UserID)
	assert.Equal(t, "sub.monthly", entry.ProductID)
	assert.Equal(t, "verify_receipt", entry.Action)
	assert.Equal(t, "timeout", entry.Error)

	var extra map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.Extra, &extra))
	assert.Equal(t, float64(2), extra["attempt"])
}

func TestDBHandlerGroupsGoToExtra(t *testing.T) {
	db := newTestDB(t)
	h := NewDBHandler(db, time.Hour)

	slog.New(h).With("app_id", "demo").WithGroup("req").Error("boom", "path", "/x")
	h.Stop()

	var entry models.SystemLog
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, "demo", entry.AppID)

	var extra map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.Extra, &extra))
	assert.Equal(t, "/x", extra["req.path"])
}

func TestPurgeOlderThan(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&[]models.SystemLog{
		{Timestamp: now.Add(-40 * 24 * time.Hour), Level: "ERROR", Message: "old"},
		{Timestamp: now.Add(-time.Hour), Level: "ERROR", Message: "new"},
	}).Error)

	deleted := PurgeOlderThan(db, now.Add(-30*24*time.Hour))
	assert.Equal(t, int64(1), deleted)

	var remaining []models.SystemLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new", remaining[0].Message)
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink down") }
func (f failingHandler) WithAttrs([]slog.Attr) slog.Handler      { return f }
func (f failingHandler) WithGroup(string) slog.Handler           { return f }

func TestMultiHandlerDeliversToEveryHandler(t *testing.T) {
	var a, b bytes.Buffer
	failing := failingHandler{slog.NewJSONHandler(&bytes.Buffer{}, nil)}
	m := NewMultiHandler(failing, slog.NewJSONHandler(&a, nil), slog.NewTextHandler(&b, nil))

	err := slog.New(m).With("app_id", "demo").Handler().Handle(context.Background(),
		slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0))
	assert.ErrorContains(t, err, "sink down")
	assert.Contains(t, a.String(), `"app_id":"demo"`)
	assert.Contains(t, b.String(), "hello")

	assert.False(t, NewMultiHandler(slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelError})).
		Enabled(context.Background(), slog.LevelInfo))
}

func TestFlushFailureDoesNotFeedBackIntoSink(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	db := newTestDB(t)
	var out bytes.Buffer
	h := SetupWithDB(db, &out)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	slog.Error("receipt verification failed", "app_id", "demo")
	h.sink.flush()
	h.sink.flush()
	h.Stop()

	assert.Contains(t, out.String(), "failed to flush system logs to DB")
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Empty(t, h.sink.buffer)
}
