package network

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"
)

const manifestTopic = "boxpeer-manifests"

// subscribeManifests feeds gossiped manifests into the event loop until ctx ends
func (l *EventLoop) subscribeManifests(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Debug("manifest subscription error", zap.Error(err))
			continue
		}

		// skip messages from ourselves
		if msg.ReceivedFrom == l.host.ID() {
			continue
		}

		m, err := decodeManifest(msg.Data)
		if err != nil {
			l.logger.Debug("dropping invalid manifest gossip",
				zap.Stringer("from", msg.ReceivedFrom), zap.Error(err))
			continue
		}
		l.post(manifestGossipEvent{from: msg.ReceivedFrom, manifest: *m})
	}
}
