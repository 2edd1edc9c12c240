package ws

import (
	"time"
)

// runHeartbeat drives the per-connection liveness loop: an application-level
// ping frame every PingInterval, then a pong awaited for at most PingTimeout.
// A missed pong or a failed write schedules the single disconnect path.
// Cancellation through the connection context is prompt: the loop never
// sleeps longer than one interval or one timeout.
func (r *Registry) runHeartbeat(c *Conn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.writeFrame(PingFrame()); err != nil {
			r.log.Debug().Err(err).Str("client_id", c.id).Msg("heartbeat write failed")
			r.Disconnect(c.id, 0, "heartbeat write failed")
			return
		}

		timer := time.NewTimer(r.cfg.PingTimeout)
		select {
		case <-c.pongCh:
			timer.Stop()
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.log.Info().Str("client_id", c.id).Msg("heartbeat timeout")
			r.Disconnect(c.id, CloseNormal, "heartbeat timeout")
			return
		}
	}
}
