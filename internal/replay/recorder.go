package replay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"postureguard/internal/orientation"
	"postureguard/internal/sensorarray"
)

// Recorder wraps a sensor Reader and logs every outcome to a Writer. Write
// failures never fail the read; the first one is logged.
type Recorder struct {
	inner sensorarray.Reader
	w     *Writer
	now   func() time.Time
	log   *zap.Logger

	warnOnce sync.Once
}

func NewRecorder(inner sensorarray.Reader, w *Writer, now func() time.Time, log *zap.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{inner: inner, w: w, now: now, log: log}
}

func (r *Recorder) ReadAcceleration(ctx context.Context, sensorID int) (orientation.Acceleration, error) {
	a, err := r.inner.ReadAcceleration(ctx, sensorID)
	if werr := r.w.WriteReading(r.now(), sensorID, a, err); werr != nil {
		r.warnOnce.Do(func() {
			r.log.Warn("recording sensor reading failed", zap.Error(werr))
		})
	}
	return a, err
}
