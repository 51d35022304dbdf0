// Package pool allocates and recycles the finite set of shared private
// channels that trades are brokered through.
//
// Channels are provisioned out-of-band and registered into the pool.
// Lease hands the oldest available channel to a trade as one atomic
// claim; Recycle evicts the trade's participants and, only on confirmed
// eviction, rotates the access token and returns the channel to the
// pool. A channel whose participants could not be evicted is parked at
// completed and retried later, never silently relisted, so former
// participants cannot retain access to a new trade's channel.
package pool

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNoChannels      = errors.New("no channels available, try again later")
	ErrNotAssigned     = errors.New("no channel assigned to this trade")
)

// ChannelStatus represents the pool state of a channel.
type ChannelStatus string

const (
	StatusAvailable ChannelStatus = "available" // in the assignable pool
	StatusAssigned  ChannelStatus = "assigned"  // leased to exactly one trade
	StatusCompleted ChannelStatus = "completed" // trade done but eviction incomplete, operator attention
	StatusArchived  ChannelStatus = "archived"  // backing channel gone, terminal
)

// Channel is one pooled communication space.
type Channel struct {
	ID          string        `json:"id"`
	Status      ChannelStatus `json:"status"`
	TradeID     string        `json:"tradeId,omitempty"`
	InviteToken string        `json:"inviteToken,omitempty"`
	AssignedAt  *time.Time    `json:"assignedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Store persists channel pool state.
//
// Claim is the single cross-trade contention point of the whole system
// and must be one conditional operation: find the oldest available
// channel and mark it assigned in the same statement, so two trades
// can never lease the same channel.
type Store interface {
	Register(ctx context.Context, ch *Channel) error
	Get(ctx context.Context, id string) (*Channel, error)

	// Claim atomically transitions the oldest available channel to
	// assigned with the given trade ID. Returns ErrNoChannels when no
	// channel is in available status.
	Claim(ctx context.Context, tradeID string, at time.Time) (*Channel, error)

	// GetByTrade returns the channel currently assigned to tradeID.
	GetByTrade(ctx context.Context, tradeID string) (*Channel, error)

	// SetStatus conditionally moves a channel from one status to
	// another, updating the invite token and clearing or keeping the
	// trade assignment. Returns ErrChannelNotFound if the precondition
	// does not hold.
	SetStatus(ctx context.Context, id string, from, to ChannelStatus, token string) error

	List(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error)
	ListAssigned(ctx context.Context, limit int) ([]*Channel, error)
}

// ParticipantManager is the external chat-platform surface the pool
// depends on: evicting channel members and rotating access tokens.
type ParticipantManager interface {
	// ListParticipants returns the identities currently in the channel.
	ListParticipants(ctx context.Context, channelID string) ([]string, error)
	// EvictParticipant removes one identity; false means the platform
	// refused or failed the removal.
	EvictParticipant(ctx context.Context, channelID, participantID string) (bool, error)
	// RotateAccessToken invalidates the current invite token and
	// returns a fresh one.
	RotateAccessToken(ctx context.Context, channelID string) (string, error)
}
