package progress

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type Propagator struct {
	pubsub PubSub
}

func NewPropagator(pubsub PubSub) *Propagator {
	return &Propagator{pubsub: pubsub}
}

// Run publishes every update produced by source on the job's channel until the source
// returns. Publish failures are logged and the update dropped.
func (p *Propagator) Run(ctx context.Context, jobId string, source Source) error {
	logger := log.WithField("jobId", jobId)
	return source.Run(ctx, func(update ChartUpdate) {
		u := update
		msg := &Message{Kind: KindChart, JobId: jobId, Chart: &u}
		if err := p.pubsub.Publish(ctx, Channel(jobId), msg); err != nil {
			logger.WithError(err).Warn("Failed to publish chart update")
		}
	})
}

// PublishStatus publishes a progress or terminal message for msg.JobId.
func (p *Propagator) PublishStatus(ctx context.Context, msg *Message) {
	if err := p.pubsub.Publish(ctx, Channel(msg.JobId), msg); err != nil {
		log.WithError(err).WithField("jobId", msg.JobId).Warnf("Failed to publish %s message", msg.Kind)
	}
}
