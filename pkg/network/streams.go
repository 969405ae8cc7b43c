package network

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

func (l *EventLoop) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(l.ctx, l.cfg.RequestTimeout)
}

func (l *EventLoop) handleFileStream(s network.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(l.cfg.RequestTimeout))

	var req FileRequest
	if err := readMessage(s, maxRequestSize, &req); err != nil {
		l.logger.Debug("failed to read file request",
			zap.Stringer("peer", s.Conn().RemotePeer()), zap.Error(err))
		_ = s.Reset()
		return
	}

	ch := newResponseChannel(s)
	l.deliver(InboundRequest{Peer: s.Conn().RemotePeer(), Key: req.Key, Channel: ch}, ch)
}

func (l *EventLoop) handlePushStream(s network.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(l.cfg.RequestTimeout))

	var req PushRequest
	if err := readMessage(s, l.cfg.MaxMessageSize, &req); err != nil {
		l.logger.Debug("failed to read chunk push",
			zap.Stringer("peer", s.Conn().RemotePeer()), zap.Error(err))
		_ = s.Reset()
		return
	}

	ch := newResponseChannel(s)
	l.deliver(InboundPush{Peer: s.Conn().RemotePeer(), Key: req.Key, Data: req.Data, Channel: ch}, ch)
}

// deliver hands an inbound exchange to the application and keeps the stream
// open until it is answered or the request timeout expires
func (l *EventLoop) deliver(ev Event, ch *ResponseChannel) {
	timer := time.NewTimer(l.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case l.events <- ev:
	case <-timer.C:
		l.logger.Warn("no consumer for inbound event", zap.Stringer("peer", ch.Peer()))
		l.expire(ch)
		return
	case <-l.ctx.Done():
		l.expire(ch)
		return
	}

	select {
	case <-ch.done:
		return
	case <-timer.C:
		l.logger.Debug("inbound exchange expired unanswered", zap.Stringer("peer", ch.Peer()))
	case <-l.ctx.Done():
	}
	if !l.expire(ch) {
		// the responder won; let it finish writing
		<-ch.done
	}
}

func (l *EventLoop) expire(ch *ResponseChannel) bool {
	if !ch.claim() {
		return false
	}
	_ = ch.stream.Reset()
	ch.finish()
	return true
}

// respond writes msg on an inbound stream without blocking the loop
func (l *EventLoop) respond(ch *ResponseChannel, msg any) {
	if ch == nil || ch.stream == nil {
		l.logger.Warn("response on invalid channel", zap.Error(types.ErrProtocolViolation))
		return
	}
	if !ch.claim() {
		l.logger.Debug("response channel already closed", zap.Stringer("peer", ch.Peer()))
		return
	}

	go func() {
		defer ch.finish()
		_ = ch.stream.SetWriteDeadline(time.Now().Add(l.cfg.RequestTimeout))
		if err := writeMessage(ch.stream, msg); err != nil {
			l.logger.Debug("failed to send response", zap.Stringer("peer", ch.Peer()), zap.Error(err))
			_ = ch.stream.Reset()
			return
		}
		_ = ch.stream.Close()
	}()
}

// decline resets an inbound stream so the requester sees a failure
func (l *EventLoop) decline(ch *ResponseChannel) {
	if ch == nil || ch.stream == nil {
		l.logger.Warn("decline on invalid channel", zap.Error(types.ErrProtocolViolation))
		return
	}
	if !l.expire(ch) {
		l.logger.Debug("response channel already closed", zap.Stringer("peer", ch.Peer()))
	}
}

// exchange runs one request/response round trip with p
func (l *EventLoop) exchange(ctx context.Context, p peer.ID, proto protocol.ID, req, resp any) error {
	s, err := l.host.NewStream(ctx, p, proto)
	if err != nil {
		return fmt.Errorf("%w: failed to open stream to %s: %v", types.ErrTransport, p, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Reset()
		case <-stop:
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := writeMessage(s, req); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: %s: %v", types.ErrTransport, p, err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: %s: %v", types.ErrTransport, p, err)
	}
	if err := readMessage(s, l.cfg.MaxMessageSize, resp); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: %s: %v", types.ErrTransport, p, err)
	}
	_ = s.Close()
	return nil
}
