package capture

import (
	"context"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/wire"
	"go.uber.org/zap"
)

// Finalizer sends the closing summary of a session
type Finalizer struct {
	logger      *zap.Logger
	beacon      *Beacon
	url         string
	minDuration time.Duration
}

func NewFinalizer(logger *zap.Logger, origin string, beacon *Beacon, minDuration time.Duration) *Finalizer {
	return &Finalizer{
		logger:      logger.Named("capture.finalize"),
		beacon:      beacon,
		url:         origin + cnst.PathFinalize,
		minDuration: minDuration,
	}
}

// Finalize dispatches the summary of sess if it is eligible and reports
// whether it did. The dispatch is not awaited.
func (f *Finalizer) Finalize(ctx context.Context, sess *Session, endedAt time.Time) bool {
	if sess == nil {
		return false
	}
	snap := sess.Snapshot()
	switch {
	case snap.Discarded:
		f.logger.Debug("skip finalize of discarded session")
		return false
	case snap.SessionID == "" || snap.StartedAt.IsZero():
		f.logger.Debug("skip finalize of session without uploads")
		return false
	case endedAt.Sub(snap.StartedAt) < f.minDuration:
		f.logger.Debug("skip finalize of short session",
			zap.String("session_id", snap.SessionID),
			zap.Duration("duration", endedAt.Sub(snap.StartedAt)))
		return false
	}

	f.beacon.Send(ctx, f.url, wire.FinalizeRequest{
		SiteID:     snap.SiteID,
		SessionID:  snap.SessionID,
		VisitorID:  snap.VisitorID,
		StartedAt:  snap.StartedAt.Unix(),
		EndedAt:    endedAt.Unix(),
		SizeBytes:  snap.UploadedBytes,
		SampleRate: snap.SampleRate,
		StartURL:   snap.StartURL,
		EventCount: snap.UploadedEvents,
	})
	f.logger.Info("session finalized",
		zap.String("session_id", snap.SessionID),
		zap.Int64("events", snap.UploadedEvents),
		zap.Int64("bytes", snap.UploadedBytes))
	return true
}
