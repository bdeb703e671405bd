package discovery

import (
	"context"

	"go.uber.org/zap"
)

// URLTarget receives a discovered collector URL.
type URLTarget interface {
	ServerURL() string
	SetServerURL(serverURL string) error
}

// AdoptFirstCollector consumes events until ctx ends or events closes. The
// first collector found while target has no server URL becomes its server URL;
// a configured URL is never overwritten.
func AdoptFirstCollector(ctx context.Context, events <-chan Event, target URLTarget, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("discovery")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != EventCollectorFound || target.ServerURL() != "" {
				continue
			}
			url := event.Collector.URL()
			if url == "" {
				continue
			}
			if err := target.SetServerURL(url); err != nil {
				logger.Warn("adopt discovered collector failed", zap.String("url", url), zap.Error(err))
				continue
			}
			logger.Info("adopted discovered collector", zap.String("instance", event.Collector.Instance), zap.String("url", url))
		}
	}
}
