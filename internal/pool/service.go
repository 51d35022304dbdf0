package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otcbridge/otcbridge/internal/metrics"
)

// Config for the pool allocator.
type Config struct {
	// ProtectedIDs are identities never evicted during recycling:
	// operator accounts and the service's own identity.
	ProtectedIDs []string
	// GraceWindow delays recycling after trade completion so final
	// messages can still be read.
	GraceWindow time.Duration
}

// DefaultGraceWindow between trade completion and channel recycling.
const DefaultGraceWindow = 2 * time.Minute

// Notifier receives channel lifecycle events.
type Notifier interface {
	ChannelEvent(event, channelID, tradeID string)
}

// Service implements the channel pool allocator.
type Service struct {
	store        Store
	participants ParticipantManager
	protected    map[string]bool
	grace        time.Duration
	logger       *slog.Logger
	notifier     Notifier
}

// NewService creates a pool allocator.
func NewService(store Store, participants ParticipantManager, cfg Config, logger *slog.Logger) *Service {
	protected := make(map[string]bool, len(cfg.ProtectedIDs))
	for _, id := range cfg.ProtectedIDs {
		protected[id] = true
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Service{
		store:        store,
		participants: participants,
		protected:    protected,
		grace:        grace,
		logger:       logger,
	}
}

// WithNotifier adds an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// GraceWindow returns the configured recycling delay.
func (s *Service) GraceWindow() time.Duration { return s.grace }

// Register adds a provisioned channel to the pool in available status.
func (s *Service) Register(ctx context.Context, channelID, inviteToken string) (*Channel, error) {
	ch := &Channel{
		ID:          channelID,
		Status:      StatusAvailable,
		InviteToken: inviteToken,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Register(ctx, ch); err != nil {
		return nil, fmt.Errorf("register channel: %w", err)
	}
	return ch, nil
}

// Lease atomically assigns the oldest available channel to a trade.
// Returns ErrNoChannels when the pool is exhausted; callers retry after
// backoff or surface a user-facing "try later".
func (s *Service) Lease(ctx context.Context, tradeID string) (string, error) {
	ch, err := s.store.Claim(ctx, tradeID, time.Now())
	if err != nil {
		if err == ErrNoChannels {
			metrics.ChannelLeaseFailedTotal.Inc()
		}
		return "", err
	}
	metrics.ChannelLeasedTotal.Inc()
	s.logger.Info("channel leased", "channelId", ch.ID, "tradeId", tradeID)
	return ch.ID, nil
}

// Recycle returns the channel assigned to tradeID back to the pool.
//
// Every participant except the protected set is evicted; only when all
// evictions are confirmed is the invite token rotated and the channel
// relisted as available. Any eviction failure parks the channel at
// completed for a later retry. Idempotent: recycling a channel that is
// already available is a no-op.
func (s *Service) Recycle(ctx context.Context, tradeID string) error {
	ch, err := s.store.GetByTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	return s.recycleChannel(ctx, ch)
}

// RecycleChannel retries recycling a parked channel by ID. Used by
// operators after resolving whatever blocked the original eviction.
func (s *Service) RecycleChannel(ctx context.Context, channelID string) error {
	ch, err := s.store.Get(ctx, channelID)
	if err != nil {
		return err
	}
	return s.recycleChannel(ctx, ch)
}

func (s *Service) recycleChannel(ctx context.Context, ch *Channel) error {
	switch ch.Status {
	case StatusAvailable:
		return nil // already recycled
	case StatusArchived:
		return fmt.Errorf("%w: channel %s is archived", ErrChannelNotFound, ch.ID)
	}

	members, err := s.participants.ListParticipants(ctx, ch.ID)
	if err != nil {
		return s.park(ctx, ch, fmt.Errorf("list participants: %w", err))
	}

	for _, member := range members {
		if s.protected[member] {
			continue
		}
		ok, err := s.participants.EvictParticipant(ctx, ch.ID, member)
		if err != nil || !ok {
			return s.park(ctx, ch, fmt.Errorf("evict %s: failed (err=%v)", member, err))
		}
	}

	token, err := s.participants.RotateAccessToken(ctx, ch.ID)
	if err != nil {
		return s.park(ctx, ch, fmt.Errorf("rotate access token: %w", err))
	}

	if err := s.store.SetStatus(ctx, ch.ID, ch.Status, StatusAvailable, token); err != nil {
		return err
	}
	metrics.ChannelRecycledTotal.Inc()
	s.logger.Info("channel recycled", "channelId", ch.ID, "evicted", len(members))
	s.emit("channel_recycled", ch)
	return nil
}

// park moves the channel to completed so an operator can retry later.
// The channel is never relisted with participants still inside.
func (s *Service) park(ctx context.Context, ch *Channel, cause error) error {
	s.logger.Warn("channel parked, eviction incomplete",
		"channelId", ch.ID, "error", cause)
	if ch.Status != StatusCompleted {
		if err := s.store.SetStatus(ctx, ch.ID, ch.Status, StatusCompleted, ch.InviteToken); err != nil {
			return err
		}
	}
	metrics.ChannelParkedTotal.Inc()
	s.emit("channel_parked", ch)
	return cause
}

func (s *Service) emit(event string, ch *Channel) {
	if s.notifier != nil {
		s.notifier.ChannelEvent(event, ch.ID, ch.TradeID)
	}
}

// Archive marks a channel permanently unusable after its backing
// resource was verified missing. Terminal; never considered by Lease.
func (s *Service) Archive(ctx context.Context, channelID string) error {
	ch, err := s.store.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Status == StatusArchived {
		return nil
	}
	if err := s.store.SetStatus(ctx, channelID, ch.Status, StatusArchived, ""); err != nil {
		return err
	}
	s.logger.Info("channel archived", "channelId", channelID)
	return nil
}

// Get returns a channel by ID.
func (s *Service) Get(ctx context.Context, id string) (*Channel, error) {
	return s.store.Get(ctx, id)
}

// List returns channels in a given status.
func (s *Service) List(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, status, limit)
}
