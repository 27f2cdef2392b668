package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/dispatch"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const (
	defaultQueueGroup    = "realtime-notifications"
	defaultHandleTimeout = 10 * time.Second
)

// Notifier delivers a notification to a user.
type Notifier interface {
	SendNotificationToUser(ctx context.Context, userID string, n realtime.Notification) (dispatch.Delivery, error)
}

// ingestReply is published to msg.Reply when the producer asked for one.
type ingestReply struct {
	Delivery *dispatch.Delivery `json:"delivery,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// NotificationSubscriber consumes SubjectSendNotification in a queue group
// so each message is handled by exactly one instance.
type NotificationSubscriber struct {
	conn     natsConn
	notifier Notifier
	group    string
	validate *validator.Validate
	logger   zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	wg  sync.WaitGroup
}

// NewNotificationSubscriber creates the subscriber. An empty group uses the
// default queue group.
func NewNotificationSubscriber(conn natsConn, notifier Notifier, group string, logger zerolog.Logger) (*NotificationSubscriber, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier cannot be nil")
	}
	if group == "" {
		group = defaultQueueGroup
	}
	return &NotificationSubscriber{
		conn:     conn,
		notifier: notifier,
		group:    group,
		validate: validator.New(),
		logger:   logger.With().Str("component", "NotificationSubscriber").Logger(),
	}, nil
}

// Start subscribes. Messages are handled on the NATS delivery goroutine.
func (s *NotificationSubscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(SubjectSendNotification, s.group, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectSendNotification, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info().Str("subject", SubjectSendNotification).Str("group", s.group).Msg("Subscribed to notification ingestion")
	return nil
}

// Stop drains the subscription and waits for in-progress messages.
func (s *NotificationSubscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to drain subscription")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NotificationSubscriber) handle(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(extractContext(context.Background(), msg), defaultHandleTimeout)
	defer cancel()

	var req realtime.SendNotificationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding malformed notification message")
		s.reply(msg, ingestReply{Error: "invalid JSON body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.logger.Warn().Err(err).Str("user", req.UserID).Msg("Discarding invalid notification message")
		s.reply(msg, ingestReply{Error: err.Error()})
		return
	}

	delivery, err := s.notifier.SendNotificationToUser(ctx, req.UserID, req.Notification())
	if err != nil {
		s.logger.Error().Err(err).Str("user", req.UserID).Msg("Failed to dispatch notification from bus")
		s.reply(msg, ingestReply{Error: err.Error()})
		return
	}
	s.logger.Debug().Str("user", req.UserID).Str("notification", delivery.NotificationID).Bool("queued", delivery.Queued).Msg("Dispatched notification from bus")
	s.reply(msg, ingestReply{Delivery: &delivery})
}

func (s *NotificationSubscriber) reply(msg *nats.Msg, r ingestReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.conn.PublishMsg(&nats.Msg{Subject: msg.Reply, Data: data}); err != nil {
		s.logger.Warn().Err(err).Str("reply", msg.Reply).Msg("Failed to publish ingestion reply")
	}
}
