package client

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/igorsilveira/kefu/pkg/heartbeat"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/telemetry"
	"github.com/igorsilveira/kefu/pkg/transport"
)

// Everything in this file runs on the loop goroutine.

// apply executes a transition: teardown effects first, then the state change,
// then announce, then the effects that bring up the new state.
func (c *Client) apply(next ConnectionState, eff effect, cause error, announce func()) {
	if eff.has(effCancelRetry) {
		c.cancelRetry()
	}
	if eff.has(effStopHeartbeat) {
		c.stopHeartbeat()
	}
	if eff.has(effCloseTransport) {
		c.transport.Close(transport.StatusNormalClosure, disconnectReason)
		c.endSpan(cause)
	}
	if eff.has(effDiscardQueue) {
		c.dropped = c.queue.Clear()
		if c.dropped > 0 {
			telemetry.Metrics.QueueDropped.Add(float64(c.dropped))
		}
	}
	if eff.has(effResetPolicy) {
		c.policy.Cancel()
	}

	c.setState(next, cause)
	if announce != nil {
		announce()
	}

	if eff.has(effMarkConnected) {
		c.policy.Connected()
		c.endSpan(nil)
	}
	if eff.has(effStartHeartbeat) {
		c.startHeartbeat()
	}
	if eff.has(effDrain) {
		c.drain()
	}
	if eff.has(effScheduleRetry) {
		c.scheduleRetry()
	}
	if eff.has(effOpen) {
		c.open()
	}
	if eff.has(effSendHeartbeat) {
		c.sendHeartbeat()
	}
}

func (c *Client) setState(next ConnectionState, cause error) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next

	telemetry.Metrics.StateTransitions.WithLabelValues(next.String()).Inc()
	switch {
	case next == Connected:
		telemetry.Metrics.ActiveConnections.Inc()
	case prev == Connected:
		telemetry.Metrics.ActiveConnections.Dec()
	}

	c.logger.Debug("connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
	c.bus.emit(StatusChange{From: prev, To: next, Err: cause})
}

func (c *Client) open() {
	c.gen++
	gen := c.gen
	c.policy.Connecting()

	_, c.span = telemetry.StartSpan(context.Background(), "kefu.connect",
		attribute.String("kefu.endpoint", c.endpoint),
		attribute.String("kefu.user_id", c.identity.UserID),
		attribute.Int("kefu.attempt", c.policy.Attempts()),
	)

	c.logger.Info("opening channel",
		slog.String("endpoint", c.endpoint),
		slog.Int("attempt", c.policy.Attempts()),
	)

	c.transport.Open(c.endpoint, c.identity.Params(c.cfg.Now()), transport.Events{
		OnOpen: func() {
			c.post(func() { c.handleOpen(gen) })
		},
		OnMessage: func(data []byte) {
			c.post(func() { c.handleMessage(gen, data) })
		},
		OnClose: func(code transport.StatusCode, reason string, wasClean bool) {
			c.post(func() { c.handleLost(gen, code, reason, wasClean, nil) })
		},
		OnError: func(err error) {
			c.post(func() { c.handleLost(gen, transport.StatusAbnormalClosure, err.Error(), false, err) })
		},
	})
}

func (c *Client) endSpan(err error) {
	if c.span == nil {
		return
	}
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	c.span = nil
}

func (c *Client) handleOpen(gen uint64) {
	if gen != c.gen {
		return
	}
	prev := c.state
	next, eff, ok := transition(prev, inputOpened)
	if !ok {
		return
	}

	reconnected := prev == Reconnecting
	if reconnected {
		c.metrics.ReconnectCount++
		telemetry.Metrics.Reconnects.Inc()
	}
	c.logger.Info("channel connected",
		slog.String("endpoint", c.endpoint),
		slog.Bool("reconnected", reconnected),
		slog.Int("pending", c.queue.Len()),
	)

	c.apply(next, eff, nil, func() {
		c.bus.emit(ConnectedEvent{Endpoint: c.endpoint, Reconnected: reconnected})
	})
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	if c.monitor != nil {
		c.monitor.Touch()
	}

	msg, err := protocol.Parse(data, c.cfg.Now(), c.cfg.NewID)
	if err != nil {
		telemetry.Metrics.ProtocolErrors.Inc()
		c.logger.Warn("dropping inbound payload", slog.String("err", err.Error()))
		c.bus.emit(ErrorEvent{Err: err})
		return
	}

	if msg.Type != protocol.TypeHeartbeat {
		if c.seen.Contains(msg.ID) {
			c.logger.Debug("dropping duplicate message", slog.String("id", msg.ID))
			return
		}
		c.seen.Add(msg.ID, struct{}{})
	}

	c.metrics.MessagesReceived++
	telemetry.Metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	c.bus.emit(MessageEvent{kind: MessageKind(msg.Type), Message: msg})
	c.bus.emit(MessageEvent{kind: KindMessage, Message: msg})
}

// handleLost reacts to the end of connection attempt gen, whether it never
// opened or dropped after opening.
func (c *Client) handleLost(gen uint64, code transport.StatusCode, reason string, wasClean bool, err error) {
	if gen != c.gen {
		return
	}
	c.gen++

	prev := c.state
	attempt, retry := c.policy.Failure()
	in := inputLost
	var cause error
	if !retry {
		in = inputLostFinal
		cause = ErrRetriesExhausted
	}
	next, eff, ok := transition(prev, in)
	if !ok {
		return
	}
	c.next = attempt

	attrs := []any{
		slog.Int("code", int(code)),
		slog.String("reason", reason),
		slog.Bool("clean", wasClean),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	if retry {
		attrs = append(attrs, slog.Int("attempt", attempt.Number), slog.Duration("delay", attempt.Delay))
		c.logger.Warn("channel lost, scheduling reconnect", attrs...)
	} else {
		c.logger.Error("channel lost, giving up", attrs...)
	}

	spanErr := err
	if spanErr == nil {
		spanErr = cause
	}
	c.endSpan(spanErr)

	c.apply(next, eff, cause, func() {
		if prev == Connected {
			c.bus.emit(DisconnectedEvent{Code: code, Reason: reason, WasClean: wasClean})
		}
		if retry {
			c.bus.emit(ReconnectingEvent{Attempt: attempt})
		}
	})
}

func (c *Client) handleStale(gen uint64, idle time.Duration) {
	if gen != c.gen || c.state != Connected {
		return
	}
	telemetry.Metrics.HeartbeatTimeouts.Inc()
	c.logger.Warn("no inbound activity, forcing reconnect", slog.Duration("idle", idle))
	c.transport.Close(transport.StatusHeartbeatTimeout, heartbeatTimeoutCause)
	c.handleLost(gen, transport.StatusHeartbeatTimeout, heartbeatTimeoutCause, false, ErrHeartbeatTimeout)
}

func (c *Client) handleProbe(gen uint64) {
	if gen != c.gen {
		return
	}
	next, eff, ok := transition(c.state, inputHeartbeat)
	if !ok {
		return
	}
	c.apply(next, eff, nil, nil)
}

func (c *Client) handleRetry(seq uint64) {
	if seq != c.retrySeq {
		return
	}
	c.retryTimer = nil
	next, eff, ok := transition(c.state, inputRetryDue)
	if !ok {
		return
	}
	c.apply(next, eff, nil, nil)
}

func (c *Client) scheduleRetry() {
	c.cancelRetry()
	seq := c.retrySeq
	c.retryTimer = time.AfterFunc(c.next.Delay, func() {
		c.post(func() { c.handleRetry(seq) })
	})
}

func (c *Client) cancelRetry() {
	c.retrySeq++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) startHeartbeat() {
	c.stopHeartbeat()
	gen := c.gen
	c.monitor = heartbeat.Start(c.cfg.HeartbeatInterval,
		func() {
			c.post(func() { c.handleProbe(gen) })
		},
		func(idle time.Duration) {
			c.post(func() { c.handleStale(gen, idle) })
		},
	)
}

func (c *Client) stopHeartbeat() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
}

func (c *Client) sendHeartbeat() {
	now := c.cfg.Now()
	msg := protocol.Outgoing{Type: protocol.TypeHeartbeat}.Build(c.cfg.NewID(), c.identity.UserID, now)
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encoding heartbeat", slog.String("err", err.Error()))
		return
	}
	if !c.transport.Send(data) {
		c.logger.Debug("heartbeat not sent, transport refused")
		return
	}
	c.metrics.LastHeartbeatAt = now
	telemetry.Metrics.HeartbeatsSent.Inc()
}

func (c *Client) route(out protocol.Outgoing) (protocol.WireMessage, error) {
	msg := out.Build(c.cfg.NewID(), c.identity.UserID, c.cfg.Now())
	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.WireMessage{}, err
	}
	f := frame{msg: msg, data: data}

	if c.state == Connected {
		if c.queue.Len() > 0 {
			c.drain()
		}
		if c.queue.Len() == 0 && c.transmit(f) {
			return msg, nil
		}
	}
	c.enqueue(f)
	if c.state == Connected {
		c.scheduleDrain()
	}
	return msg, nil
}

func (c *Client) sendTyping(to string, isTyping bool) error {
	if c.state != Connected {
		return ErrNotConnected
	}
	msg := protocol.Outgoing{
		Type:    protocol.TypeTyping,
		To:      to,
		Content: protocol.TypingContent{IsTyping: isTyping},
	}.Build(c.cfg.NewID(), c.identity.UserID, c.cfg.Now())
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !c.transmit(frame{msg: msg, data: data}) {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) transmit(f frame) bool {
	if !c.transport.Send(f.data) {
		return false
	}
	c.metrics.MessagesSent++
	telemetry.Metrics.MessagesSent.WithLabelValues(string(f.msg.Type)).Inc()
	return true
}

func (c *Client) enqueue(f frame) {
	evicted, full := c.queue.Enqueue(f)
	if !full {
		return
	}
	telemetry.Metrics.QueueEvictions.Inc()
	c.logger.Warn("outbound queue full, evicted oldest message",
		slog.String("id", evicted.msg.ID),
		slog.Int("capacity", c.queue.Cap()),
	)
	msg := evicted.msg
	c.bus.emit(Warning{Message: "outbound queue full, oldest message dropped", Evicted: &msg})
}

func (c *Client) drain() {
	if n := c.queue.Drain(c.transmit); n > 0 {
		c.logger.Debug("drained outbound queue",
			slog.Int("sent", n),
			slog.Int("remaining", c.queue.Len()),
		)
	}
	if c.queue.Len() > 0 && c.state == Connected {
		c.scheduleDrain()
	}
}

// scheduleDrain retries the queue shortly when the transport refused frames
// on a live connection.
func (c *Client) scheduleDrain() {
	if c.drainTimer != nil {
		return
	}
	c.drainTimer = time.AfterFunc(drainRetryDelay, func() {
		c.post(c.handleDrainRetry)
	})
}

func (c *Client) handleDrainRetry() {
	c.drainTimer = nil
	if c.state != Connected || c.queue.Len() == 0 {
		return
	}
	c.drain()
}
