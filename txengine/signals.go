package txengine

import (
	"time"

	"go.uber.org/zap"
)

// BatchSummary is the payload of batch completion/failure signals.
type BatchSummary struct {
	BatchID   string        `json:"batch_id"`
	Chain     Chain         `json:"chain"`
	Submitted int           `json:"submitted"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Duration  time.Duration `json:"duration"`
}

// SignalObserver receives operational signals from the engine. Observers must
// not block; slow consumers should buffer on their side.
type SignalObserver interface {
	ProviderFailing(id ProviderIdentity, consecutiveErrors int)
	ConnectionAcquired(id ProviderIdentity)
	ConnectionReleased(id ProviderIdentity)
	ConnectionsReaped(id ProviderIdentity, count int)
	BatchCompleted(summary BatchSummary)
}

// NopObserver discards all signals.
type NopObserver struct{}

func (NopObserver) ProviderFailing(ProviderIdentity, int)   {}
func (NopObserver) ConnectionAcquired(ProviderIdentity)     {}
func (NopObserver) ConnectionReleased(ProviderIdentity)     {}
func (NopObserver) ConnectionsReaped(ProviderIdentity, int) {}
func (NopObserver) BatchCompleted(BatchSummary)             {}

// MultiObserver fans one signal out to several observers in order.
type MultiObserver []SignalObserver

func (m MultiObserver) ProviderFailing(id ProviderIdentity, n int) {
	for _, o := range m {
		o.ProviderFailing(id, n)
	}
}

func (m MultiObserver) ConnectionAcquired(id ProviderIdentity) {
	for _, o := range m {
		o.ConnectionAcquired(id)
	}
}

func (m MultiObserver) ConnectionReleased(id ProviderIdentity) {
	for _, o := range m {
		o.ConnectionReleased(id)
	}
}

func (m MultiObserver) ConnectionsReaped(id ProviderIdentity, count int) {
	for _, o := range m {
		o.ConnectionsReaped(id, count)
	}
}

func (m MultiObserver) BatchCompleted(summary BatchSummary) {
	for _, o := range m {
		o.BatchCompleted(summary)
	}
}

// LogObserver writes every signal to a zap logger.
type LogObserver struct {
	log *zap.Logger
}

func NewLogObserver(log *zap.Logger) *LogObserver {
	return &LogObserver{log: log.Named("signals")}
}

func (o *LogObserver) ProviderFailing(id ProviderIdentity, n int) {
	o.log.Warn("provider_failing",
		zap.String("provider", id.String()), zap.Int("consecutive_errors", n))
}

func (o *LogObserver) ConnectionAcquired(id ProviderIdentity) {
	o.log.Debug("connection_acquired", zap.String("provider", id.String()))
}

func (o *LogObserver) ConnectionReleased(id ProviderIdentity) {
	o.log.Debug("connection_released", zap.String("provider", id.String()))
}

func (o *LogObserver) ConnectionsReaped(id ProviderIdentity, count int) {
	o.log.Info("connections_reaped",
		zap.String("provider", id.String()), zap.Int("count", count))
}

func (o *LogObserver) BatchCompleted(summary BatchSummary) {
	o.log.Info("batch_completed",
		zap.String("batch", summary.BatchID),
		zap.Int("submitted", summary.Submitted),
		zap.Int("failed", summary.Failed),
		zap.Int("dropped", summary.Dropped),
		zap.Duration("duration", summary.Duration))
}
