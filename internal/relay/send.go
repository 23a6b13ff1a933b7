package relay

import (
	"context"
	"time"

	"github.com/ent0n29/voicerelay/internal/protocol"
)

// send delivers msg to the transport writer. Every relay message is final
// for its turn, so it waits up to the send timeout before dropping.
func (e *Engine) send(ctx context.Context, outbound chan<- any, msg any) bool {
	msgType := outboundMessageType(msg)
	record := func(result string) {
		if e.metrics != nil {
			e.metrics.ObserveOutboundMessage(msgType, result)
		}
	}

	timer := time.NewTimer(e.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		record("delivered")
		if e.metrics != nil {
			e.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
		}
		return true
	case <-timer.C:
		record("timeout")
	case <-ctx.Done():
		record("cancelled")
	}
	if e.metrics != nil {
		e.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
	return false
}

func outboundMessageType(msg any) string {
	if t, ok := protocol.TypeOf(msg); ok {
		return string(t)
	}
	return "unknown"
}
