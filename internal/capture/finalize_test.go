package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFinalizer_Eligibility(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	uploaded := func() *Session {
		s := newSession("site-1", 25, "https://shop.test/", start)
		s.assignIDs("s1", "v1")
		s.recordUpload(10, 2048, start)
		return s
	}

	tests := []struct {
		name    string
		session func() *Session
		endedAt time.Time
		want    bool
	}{
		{"nil session", func() *Session { return nil }, start.Add(time.Minute), false},
		{"never uploaded", func() *Session { return newSession("site-1", 25, "", start) }, start.Add(time.Minute), false},
		{"too short", uploaded, start.Add(2 * time.Second), false},
		{"discarded", func() *Session {
			s := uploaded()
			s.discard()
			return s
		}, start.Add(time.Minute), false},
		{"eligible", uploaded, start.Add(time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFinalizeServer(t)
			beacon := NewBeacon(zap.NewNop(), srv.Client(), time.Second, nil)
			f := NewFinalizer(zap.NewNop(), srv.URL, beacon, 3*time.Second)

			assert.Equal(t, tt.want, f.Finalize(context.Background(), tt.session(), tt.endedAt))
			require.NoError(t, beacon.Wait(context.Background()))
			if !tt.want {
				assert.Zero(t, srv.hits.Load())
				return
			}
			got := srv.finalized()
			require.Len(t, got, 1)
			assert.Equal(t, "site-1", got[0].SiteID)
			assert.Equal(t, "s1", got[0].SessionID)
			assert.Equal(t, int64(2048), got[0].SizeBytes)
			assert.Equal(t, int64(10), got[0].EventCount)
			assert.Equal(t, float64(25), got[0].SampleRate)
			assert.Equal(t, start.Unix(), got[0].StartedAt)
			assert.Equal(t, start.Add(time.Minute).Unix(), got[0].EndedAt)
		})
	}
}
