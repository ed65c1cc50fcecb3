package database

import (
	"context"
	"testing"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(zap.NewNop(), &config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewDatabase_UnsupportedType(t *testing.T) {
	_, err := NewDatabase(zap.NewNop(), &config.DatabaseConfig{Type: "oracle"})
	assert.ErrorIs(t, err, cnst.ErrInvalidDatabaseType)
}

func TestGormDB_Segments(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"tok-a", "tok-b", "tok-c"} {
		seg := &Segment{ID: id, SiteID: "site-1", SessionID: "s1", SizeBytes: int64(100 + i), EventCount: 2}
		require.NoError(t, db.SaveSegment(ctx, seg))
		assert.Equal(t, i, seg.Seq)
	}
	other := &Segment{ID: "tok-x", SiteID: "site-1", SessionID: "s2"}
	require.NoError(t, db.SaveSegment(ctx, other))
	assert.Equal(t, 0, other.Seq)

	segments, err := db.ListSegments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c"}, []string{segments[0].ID, segments[1].ID, segments[2].ID})

	seg, err := db.GetSegment(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, "tok-b", seg.ID)

	_, err = db.GetSegment(ctx, "s1", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	// a token id is stored once
	assert.Error(t, db.SaveSegment(ctx, &Segment{ID: "tok-a", SessionID: "s1"}))
}

func TestGormDB_Sessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	first := &SessionSummary{
		SessionID: "s1", SiteID: "site-1", VisitorID: "v1",
		StartedAt: base, EndedAt: base.Add(time.Minute), EventCount: 10, SampleRate: 50,
	}
	require.NoError(t, db.UpsertSession(ctx, first))
	require.NoError(t, db.UpsertSession(ctx, &SessionSummary{
		SessionID: "s2", SiteID: "site-1", VisitorID: "v2",
		StartedAt: base, EndedAt: base.Add(2 * time.Minute),
	}))
	require.NoError(t, db.UpsertSession(ctx, &SessionSummary{
		SessionID: "s3", SiteID: "site-2", StartedAt: base, EndedAt: base.Add(time.Second),
	}))

	// a second finalize for s1 replaces the summary
	require.NoError(t, db.UpsertSession(ctx, &SessionSummary{
		SessionID: "s1", SiteID: "site-1", VisitorID: "v1",
		StartedAt: base, EndedAt: base.Add(3 * time.Minute), EventCount: 25, SampleRate: 50,
	}))

	got, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.EventCount)
	assert.Equal(t, 3*time.Minute, got.Duration())

	_, err = db.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sessions, total, err := db.ListSessions(ctx, "site-1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)

	all, total, err := db.ListSessions(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, all, 3)
}
