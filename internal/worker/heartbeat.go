package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

// HeartbeatSender pings the coordinator on its own channel at a fixed
// interval, independent of whatever task is running.
type HeartbeatSender struct {
	channel     rpc.Channel
	identity    string
	incarnation string
	interval    time.Duration
	log         *logger.Logger
}

func NewHeartbeatSender(
	channel rpc.Channel,
	identity string,
	incarnation string,
	interval time.Duration,
	log *logger.Logger,
) *HeartbeatSender {
	return &HeartbeatSender{
		channel:     channel,
		identity:    identity,
		incarnation: incarnation,
		interval:    interval,
		log:         log,
	}
}

// Run sends until ctx ends or the channel closes.
func (sender *HeartbeatSender) Run(ctx context.Context) {
	ticker := time.NewTicker(sender.interval)
	defer ticker.Stop()

	var seq uint64
	for {
		msg := rpc.Message{
			Kind:        rpc.Heartbeat,
			Worker:      sender.identity,
			Incarnation: sender.incarnation,
			Seq:         seq,
			SentAt:      time.Now(),
		}
		seq++

		sendCtx, cancel := context.WithTimeout(ctx, sender.interval)
		err := sender.channel.Send(sendCtx, msg)
		cancel()
		if err != nil {
			if errors.Is(err, rpc.ErrChannelClosed) || ctx.Err() != nil {
				return
			}
			sender.log.Warn("heartbeat %d not sent: %v", msg.Seq, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
