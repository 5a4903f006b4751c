// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yieldsensei/tx-engine/txengine"
)

var publishTimeout = 2 * time.Second

// SignalPublisher fans engine signals out on a redis pub/sub channel so
// observability collaborators outside the process can consume them.
type SignalPublisher struct {
	log        *zap.Logger
	client     *redis.Client
	pubChannel string
}

func NewSignalPublisher(log *zap.Logger, client *redis.Client, pubChannel string) *SignalPublisher {
	return &SignalPublisher{
		log:        log.Named("redis-signals"),
		client:     client,
		pubChannel: pubChannel,
	}
}

type signalEnvelope struct {
	Signal            string                 `json:"signal"`
	Provider          string                 `json:"provider,omitempty"`
	ConsecutiveErrors int                    `json:"consecutive_errors,omitempty"`
	Count             int                    `json:"count,omitempty"`
	Batch             *txengine.BatchSummary `json:"batch,omitempty"`
}

func (p *SignalPublisher) publish(env signalEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Error("failed to marshal signal", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.pubChannel, data).Err(); err != nil {
		p.log.Warn("failed to publish signal",
			zap.String("signal", env.Signal), zap.Error(err))
	}
}

func (p *SignalPublisher) ProviderFailing(id txengine.ProviderIdentity, n int) {
	p.publish(signalEnvelope{Signal: "provider_failing", Provider: id.String(), ConsecutiveErrors: n})
}

func (p *SignalPublisher) ConnectionAcquired(id txengine.ProviderIdentity) {
	p.publish(signalEnvelope{Signal: "connection_acquired", Provider: id.String()})
}

func (p *SignalPublisher) ConnectionReleased(id txengine.ProviderIdentity) {
	p.publish(signalEnvelope{Signal: "connection_released", Provider: id.String()})
}

func (p *SignalPublisher) ConnectionsReaped(id txengine.ProviderIdentity, count int) {
	p.publish(signalEnvelope{Signal: "connections_reaped", Provider: id.String(), Count: count})
}

func (p *SignalPublisher) BatchCompleted(summary txengine.BatchSummary) {
	p.publish(signalEnvelope{Signal: "batch_completed", Batch: &summary})
}
