package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/collab-harness/internal/core"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultProcessingDelay models asynchronous persistence of a feedback update.
	DefaultProcessingDelay = 100 * time.Millisecond

	errorNoticeMessage = "Error processing message"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownSession = errors.New("unknown session")
)

// Dispatcher classifies inbound frames by kind and runs the matching
// handler. Dispatch is called serially per session by its read loop; calls
// for different sessions may run concurrently.
type Dispatcher struct {
	Store           *core.Store
	Faults          *FaultInjector
	Limiter         *SessionRateLimiter
	Metrics         *Metrics
	Policy          Policy
	ProcessingDelay time.Duration
	OnEvent         EventHook
}

// Dispatch handles one inbound frame from sid.
func (d *Dispatcher) Dispatch(ctx context.Context, sid domain.SessionID, data []byte) {
	d.Store.Touch(sid)
	s, ok := d.Store.Get(sid)
	if !ok {
		return
	}

	msg, err := decodeMessage(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.dispatcher").Str("sid", string(sid)).Msg("bad json")
		d.dropped(DropMalformed)
		d.OnEvent.emit(Event{Kind: EventConnectionError, Session: s.Member(), Err: err})
		_ = d.SendTo(sid, d.errorNotice(s))
		return
	}

	if !d.Limiter.Allow(sid) {
		log.Warn().Str("module", "app.dispatcher").Str("sid", string(sid)).Str("type", string(msg.Type)).Msg("rate limited")
		d.dropped(DropRateLimited)
		return
	}

	if d.Faults != nil {
		if err := d.Faults.Delay(ctx); err != nil {
			return
		}
		if d.Faults.ShouldDropMessage() {
			log.Info().Str("module", "app.dispatcher").Str("sid", string(sid)).Msg("packet dropped")
			d.dropped(DropPacketLoss)
			return
		}
	}

	// The session may have closed while latency was injected.
	s, ok = d.Store.Get(sid)
	if !ok {
		d.dropped(DropStaleSession)
		return
	}

	emittedAt := msg.Timestamp
	receivedAt := time.Now()
	d.stamp(s, &msg, receivedAt)

	if d.Metrics != nil {
		d.Metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
	}
	log.Debug().Str("module", "app.dispatcher").Str("sid", string(sid)).Str("type", string(msg.Type)).Msg("message received")
	d.OnEvent.emit(Event{Kind: EventMessageReceived, Session: s.Member(), Message: &msg})

	switch msg.Type {
	case domain.KindChat:
		d.handleChat(s, msg)
	case domain.KindTyping:
		d.handleTyping(s, msg)
	case domain.KindFeedbackUpdate:
		d.handleFeedbackUpdate(s, msg, receivedAt)
	case domain.KindConnectionTest:
		d.handleConnectionTest(s, msg, emittedAt)
	case domain.KindPresence:
		log.Warn().Str("module", "app.dispatcher").Str("sid", string(sid)).Msg("presence is server-synthesized, ignoring")
	default:
		log.Warn().Str("module", "app.dispatcher").Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

// Broadcast delivers msg to every member of room except exclude (empty
// excludes nobody).
func (d *Dispatcher) Broadcast(room domain.RoomID, msg domain.Message, exclude domain.SessionID) core.PublishResult {
	frame, err := encodeMessage(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.dispatcher").Msg("broadcast marshal")
		return core.PublishResult{}
	}
	res := d.Store.Fanout(room, exclude, frame)
	if d.Metrics != nil {
		d.Metrics.FramesSent.Add(float64(res.SentTo))
	}
	for _, slow := range res.Dropped {
		d.onBackpressure(slow)
	}
	return res
}

// SendTo delivers msg to a single session.
func (d *Dispatcher) SendTo(sid domain.SessionID, msg domain.Message) error {
	s, ok := d.Store.Get(sid)
	if !ok {
		return fmt.Errorf("send to %s: %w", sid, ErrUnknownSession)
	}
	frame, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", sid, err)
	}
	if err := s.Conn.TrySend(frame); err != nil {
		d.onBackpressure(s)
		return fmt.Errorf("send to %s: %w", sid, err)
	}
	if d.Metrics != nil {
		d.Metrics.FramesSent.Inc()
	}
	return nil
}

// Presence announces that s joined or left its room to everyone else there.
func (d *Dispatcher) Presence(s *core.Session, action string) {
	d.Broadcast(s.Room, domain.Message{
		Type:       domain.KindPresence,
		FeedbackID: s.Room,
		UserID:     string(s.ID),
		Username:   s.Username,
		Timestamp:  domain.NowMillis(),
		Metadata:   map[string]any{domain.MetaAction: action},
	}, s.ID)
}

func (d *Dispatcher) handleChat(s *core.Session, msg domain.Message) {
	d.Broadcast(s.Room, msg, s.ID)
}

func (d *Dispatcher) handleTyping(s *core.Session, msg domain.Message) {
	typing := msg.MetaBool(domain.MetaIsTyping)
	s.SetTyping(typing)

	meta := msg.CloneMeta()
	meta[domain.MetaIsTyping] = typing
	msg.Metadata = meta
	d.Broadcast(s.Room, msg, s.ID)
}

func (d *Dispatcher) handleFeedbackUpdate(s *core.Session, msg domain.Message, receivedAt time.Time) {
	delay := d.ProcessingDelay
	if delay <= 0 {
		delay = DefaultProcessingDelay
	}
	room := s.Room
	// Delivered to the room as it is when the delay ends, even if the
	// sender has left by then.
	queued := s.Defer(receivedAt.Add(delay), func() {
		meta := msg.CloneMeta()
		meta[domain.MetaProcessed] = true
		meta[domain.MetaProcessedAt] = domain.NowMillis()
		out := msg
		out.Metadata = meta
		d.Broadcast(room, out, "")
	})
	if !queued {
		d.dropped(DropBackpressure)
	}
}

func (d *Dispatcher) handleConnectionTest(s *core.Session, msg domain.Message, emittedAt int64) {
	if msg.MetaString(domain.MetaType) != domain.PingType {
		return
	}
	if emittedAt == 0 {
		emittedAt = msg.Timestamp
	}
	pong := domain.Message{
		Type:       domain.KindConnectionTest,
		FeedbackID: s.Room,
		UserID:     string(s.ID),
		Username:   s.Username,
		Timestamp:  domain.NowMillis(),
		Metadata: map[string]any{
			domain.MetaType:              domain.PongType,
			domain.MetaOriginalTimestamp: emittedAt,
		},
	}
	if err := d.SendTo(s.ID, pong); err != nil {
		log.Warn().Err(err).Str("module", "app.dispatcher").Str("sid", string(s.ID)).Msg("pong not delivered")
	}
}

// stamp overrides identity and time with server-side values.
func (d *Dispatcher) stamp(s *core.Session, msg *domain.Message, at time.Time) {
	msg.Timestamp = at.UnixMilli()
	msg.UserID = string(s.ID)
	msg.Username = s.Username
	msg.FeedbackID = s.Room
}

func (d *Dispatcher) errorNotice(s *core.Session) domain.Message {
	return domain.Message{
		Type:       domain.KindChat,
		FeedbackID: s.Room,
		UserID:     domain.SystemUserID,
		Message:    errorNoticeMessage,
		Timestamp:  domain.NowMillis(),
		Metadata:   map[string]any{domain.MetaError: true},
	}
}

func (d *Dispatcher) onBackpressure(s *core.Session) {
	policy := d.Policy
	if policy == nil {
		policy = DropPolicy{}
	}
	switch policy.OnBackPressure(s) {
	case KickMember:
		log.Warn().Str("module", "app.dispatcher").Str("sid", string(s.ID)).Msg("kicking slow member")
		s.Conn.Close(CloseTryAgainLater, "Backpressure")
	case DropFrame, NoAction:
	}
	d.dropped(DropBackpressure)
}

func (d *Dispatcher) dropped(reason string) {
	if d.Metrics != nil {
		d.Metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func decodeMessage(data []byte) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

func encodeMessage(msg domain.Message) (core.Frame, error) {
	b, err := json.Marshal(domain.Envelope{Result: msg})
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
