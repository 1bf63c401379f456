package brewdream

import (
	"context"

	"github.com/livepeer/brewdream/pkg/whip"
	"github.com/pion/webrtc/v4"
)

type whipPublisher struct {
	publisher *whip.Publisher
}

// NewWHIPPublisher returns a Publisher backed by a WHIP client.
func NewWHIPPublisher(opts whip.Options) Publisher {
	return &whipPublisher{publisher: whip.NewPublisher(opts)}
}

func (w *whipPublisher) Publish(ctx context.Context, endpoint string, tracks []webrtc.TrackLocal) (Connection, error) {
	conn, err := w.publisher.Publish(ctx, endpoint, tracks)
	if err != nil {
		return nil, err
	}

	return conn, nil
}
