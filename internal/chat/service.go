package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"coursechat/internal/ratelimit"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config holds the chat limits
type Config struct {
	MaxBodyLength int
	DefaultLimit  int
	MaxLimit      int
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		MaxBodyLength: types.MaxBodyLength,
		DefaultLimit:  interfaces.DefaultHistoryLimit,
		MaxLimit:      500,
	}
}

// ListOptions selects between tail history and catch-up.
// When After is set, Limit is ignored.
type ListOptions struct {
	Limit int
	After *time.Time
}

// Service is the entry point for every chat operation. It checks access,
// validates input, persists, and only then hands the message to the hub.
type Service struct {
	store       interfaces.MessageStore
	policy      interfaces.AccessChecker
	directory   interfaces.CourseDirectory
	broadcaster interfaces.Broadcaster
	limiter     *ratelimit.Limiter
	config      Config
	log         *slog.Logger
}

// Option customises a Service
type Option func(*Service)

// WithBroadcaster enables live fan-out after each successful post
func WithBroadcaster(b interfaces.Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithDirectory enables sender profile enrichment
func WithDirectory(d interfaces.CourseDirectory) Option {
	return func(s *Service) { s.directory = d }
}

// WithRateLimiter limits posts per principal
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithLogger sets the service logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService wires a chat service over a store and an access checker
func NewService(store interfaces.MessageStore, policy interfaces.AccessChecker, config Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if config.MaxBodyLength <= 0 {
		config.MaxBodyLength = defaults.MaxBodyLength
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaults.DefaultLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = defaults.MaxLimit
	}

	s := &Service{
		store:  store,
		policy: policy,
		config: config,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "chat")
	return s
}

// GetMessages returns course history, oldest first. With opts.After set it
// returns every message strictly newer than that instant.
func (s *Service) GetMessages(ctx context.Context, principal types.Principal, courseID string, opts ListOptions) ([]*types.ChatMessage, error) {
	if err := validateCourseID(courseID); err != nil {
		return nil, err
	}
	if _, err := s.policy.Check(ctx, principal, courseID, types.IntentRead); err != nil {
		return nil, err
	}

	var (
		messages []*types.ChatMessage
		err      error
	)
	if opts.After != nil {
		messages, err = s.store.ListByCourseSince(ctx, courseID, *opts.After)
	} else {
		limit, lerr := s.resolveLimit(opts.Limit)
		if lerr != nil {
			return nil, lerr
		}
		messages, err = s.store.ListByCourse(ctx, courseID, limit)
	}
	if err != nil {
		return nil, err
	}

	s.attachSenders(ctx, messages)
	return messages, nil
}

// PostMessage persists a message and then broadcasts it to the course group.
// The caller gets the stored message once persistence succeeds; broadcast
// problems are logged and never fail the request.
func (s *Service) PostMessage(ctx context.Context, principal types.Principal, courseID, rawBody string) (*types.ChatMessage, error) {
	if err := validateCourseID(courseID); err != nil {
		return nil, err
	}
	if _, err := s.policy.Check(ctx, principal, courseID, types.IntentWrite); err != nil {
		return nil, err
	}

	body, err := types.NormalizeBody(rawBody, s.config.MaxBodyLength)
	if err != nil {
		return nil, err
	}

	if !s.limiter.Allow(principal.ID) {
		return nil, fmt.Errorf("%w: too many messages from %s", types.ErrRateLimited, principal.ID)
	}

	message, err := s.store.Append(ctx, courseID, principal.ID, body)
	if err != nil {
		s.log.Error("failed to persist message", "course_id", courseID, "user_id", principal.ID, "error", err)
		return nil, err
	}

	s.attachSenders(ctx, []*types.ChatMessage{message})
	s.broadcast(courseID, message)

	s.log.Info("message posted", "course_id", courseID, "user_id", principal.ID, "message_id", message.ID)
	return message, nil
}

// GetMessageCount returns the number of messages in a course
func (s *Service) GetMessageCount(ctx context.Context, principal types.Principal, courseID string) (int, error) {
	if err := validateCourseID(courseID); err != nil {
		return 0, err
	}
	if _, err := s.policy.Check(ctx, principal, courseID, types.IntentRead); err != nil {
		return 0, err
	}
	return s.store.CountByCourse(ctx, courseID)
}

func (s *Service) broadcast(courseID string, message *types.ChatMessage) {
	if s.broadcaster == nil {
		return
	}

	done, err := s.broadcaster.Publish(courseID, message)
	if err != nil {
		s.log.Warn("broadcast not dispatched",
			"course_id", courseID,
			"message_id", message.ID,
			"error", err,
		)
		return
	}

	go func() {
		report, ok := <-done
		if !ok {
			return
		}
		s.log.Debug("broadcast completed",
			"course_id", report.CourseID,
			"message_id", report.MessageID,
			"delivered", report.Delivered,
			"failed", report.Failed,
			"dropped", len(report.Dropped),
		)
	}()
}

// attachSenders fills Sender on each message. Lookup failures only lose
// the profile, never the messages.
func (s *Service) attachSenders(ctx context.Context, messages []*types.ChatMessage) {
	if s.directory == nil || len(messages) == 0 {
		return
	}

	ids := lo.Uniq(lo.Map(messages, func(m *types.ChatMessage, _ int) string {
		return m.SenderID
	}))

	profiles, err := s.directory.FindUsers(ctx, ids)
	if err != nil {
		s.log.Warn("failed to load sender profiles", "count", len(ids), "error", err)
		return
	}

	for _, m := range messages {
		if profile, ok := profiles[m.SenderID]; ok {
			m.Sender = profile
		}
	}
}

func (s *Service) resolveLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: %w", types.ErrValidation, types.ErrInvalidLimit)
	case limit == 0:
		return s.config.DefaultLimit, nil
	case limit > s.config.MaxLimit:
		return s.config.MaxLimit, nil
	default:
		return limit, nil
	}
}

func validateCourseID(courseID string) error {
	if !types.IsValidID(courseID) {
		return fmt.Errorf("%w: %w", types.ErrValidation, types.ErrInvalidID)
	}
	return nil
}
