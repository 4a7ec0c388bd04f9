package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"conductor/pkg/events"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// logReplayLines is how much of the log tail a fresh subscriber gets.
const logReplayLines = 50

// handleWS upgrades the connection and bridges it to the hub. A reader
// goroutine pumps inbound client commands; this goroutine drains the
// subscription queue onto the socket, so the socket has exactly one
// writer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Local dashboards connect from whatever host the operator
		// opened; credentials are already checked by requireAuth.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	sub := s.hub.Attach(s.logReplay()...)
	defer s.hub.Detach(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.readClientCommands(ctx, cancel, conn, sub)
	s.writePush(ctx, conn, sub)
}

// readClientCommands pumps inbound frames until the socket closes. The
// cancel tears down the writer when the client goes away.
func (s *Server) readClientCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *events.Subscription) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var cmd proto.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn("Subscriber %s sent an invalid frame: %v", sub.ID(), err)
			continue
		}
		s.dispatchClientCommand(cmd, sub)
	}
}

// dispatchClientCommand answers one inbound action on the requester's
// own queue so the reply keeps its place among broadcast frames.
func (s *Server) dispatchClientCommand(cmd proto.ClientCommand, sub *events.Subscription) {
	action, err := proto.ParseAction(string(cmd.Action))
	if err != nil {
		s.logger.Warn("Subscriber %s: %v", sub.ID(), err)
		return
	}

	switch action {
	case proto.ActionGetFullStatus:
		if snap, ok := s.hub.Snapshot(); ok {
			sub.Reply(snap)
		}
	case proto.ActionGetChartUpdates:
		if s.stats == nil {
			return
		}
		agg, err := s.stats.Aggregates()
		if err != nil {
			s.logger.Warn("Failed to read chart aggregates: %v", err)
			return
		}
		sub.Reply(proto.PushMessage{
			Type:                   proto.MsgSpecific,
			ProcessedOverTime:      agg.ProcessedOverTime,
			TaskStatusDistribution: agg.TaskStatusDistribution,
			Progress:               &agg.Progress,
			GitActivity:            agg.GitActivity,
		})
	}
}

// writePush drains the subscription onto the socket, pinging idle
// clients at the hub's keepalive interval.
func (s *Server) writePush(ctx context.Context, conn *websocket.Conn, sub *events.Subscription) {
	for {
		nextCtx, cancelNext := context.WithTimeout(ctx, s.hub.PingInterval())
		msg, err := sub.Next(nextCtx)
		cancelNext()

		switch {
		case err == nil:
			if werr := s.writeFrame(ctx, conn, msg); werr != nil {
				s.logger.Debug("Subscriber %s write failed: %v", sub.ID(), werr)
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Idle window elapsed without a frame; keep the client alive.
			if werr := s.writeFrame(ctx, conn, proto.PushMessage{Type: proto.MsgPing}); werr != nil {
				return
			}
		default:
			return
		}
	}
}

// writeFrame sends one frame under the hub's per-write deadline.
func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, msg proto.PushMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.hub.SendTimeout())
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// logReplay converts the recent log tail into log_update frames for a
// newly attached subscriber.
func (s *Server) logReplay() []proto.PushMessage {
	entries := logx.RecentEntries(logReplayLines)
	frames := make([]proto.PushMessage, 0, len(entries))
	for _, entry := range entries {
		frames = append(frames, proto.PushMessage{Type: proto.MsgLog, LogLine: entry.Line})
	}
	return frames
}
