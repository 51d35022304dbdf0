package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeParticipants struct {
	mu       sync.Mutex
	members  map[string][]string
	evictErr error
	refuse   map[string]bool // member ID -> platform refuses eviction
	rotated  int
	rotErr   error
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{
		members: make(map[string][]string),
		refuse:  make(map[string]bool),
	}
}

func (f *fakeParticipants) ListParticipants(ctx context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[channelID]...), nil
}

func (f *fakeParticipants) EvictParticipant(ctx context.Context, channelID, participantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evictErr != nil {
		return false, f.evictErr
	}
	if f.refuse[participantID] {
		return false, nil
	}
	kept := f.members[channelID][:0]
	for _, m := range f.members[channelID] {
		if m != participantID {
			kept = append(kept, m)
		}
	}
	f.members[channelID] = kept
	return true, nil
}

func (f *fakeParticipants) RotateAccessToken(ctx context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotErr != nil {
		return "", f.rotErr
	}
	f.rotated++
	return "tok_new", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, participants ParticipantManager) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, participants, Config{
		ProtectedIDs: []string{"broker-bot"},
		GraceWindow:  time.Minute,
	}, testLogger())
	return svc, store
}

func TestRegisterAndLease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestPool(t, newFakeParticipants())

	ch, err := svc.Register(ctx, "ch_1", "tok_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, ch.Status)

	id, err := svc.Lease(ctx, "trd_1")
	require.NoError(t, err)
	assert.Equal(t, "ch_1", id)

	got, err := svc.Get(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "trd_1", got.TradeID)
	assert.NotNil(t, got.AssignedAt)
}

func TestLease_OldestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, newFakeParticipants(), Config{}, testLogger())

	old := &Channel{ID: "ch_old", Status: StatusAvailable, CreatedAt: time.Now().Add(-time.Hour)}
	young := &Channel{ID: "ch_young", Status: StatusAvailable, CreatedAt: time.Now()}
	require.NoError(t, store.Register(ctx, young))
	require.NoError(t, store.Register(ctx, old))

	id, err := svc.Lease(ctx, "trd_1")
	require.NoError(t, err)
	assert.Equal(t, "ch_old", id)
}

func TestLease_Exhausted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestPool(t, newFakeParticipants())

	_, err := svc.Lease(ctx, "trd_1")
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestLease_NoDoubleLease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestPool(t, newFakeParticipants())
	_, err := svc.Register(ctx, "ch_1", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "ch_2", "")
	require.NoError(t, err)

	// More claimants than channels; each channel goes to exactly one.
	const claimants = 10
	var wg sync.WaitGroup
	results := make(chan string, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := svc.Lease(ctx, "trd_"+string(rune('a'+n)))
			if err == nil {
				results <- id
			}
		}(i)
	}
	wg.Wait()
	close(results)

	leased := make(map[string]int)
	for id := range results {
		leased[id]++
	}
	assert.Len(t, leased, 2)
	assert.Equal(t, 1, leased["ch_1"])
	assert.Equal(t, 1, leased["ch_2"])
}

func TestRecycle_EvictsAndRelists(t *testing.T) {
	ctx := context.Background()
	participants := newFakeParticipants()
	svc, _ := newTestPool(t, participants)

	_, err := svc.Register(ctx, "ch_1", "tok_old")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "trd_1")
	require.NoError(t, err)
	participants.members["ch_1"] = []string{"alice", "bob", "broker-bot"}

	require.NoError(t, svc.Recycle(ctx, "trd_1"))

	got, err := svc.Get(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, got.Status)
	assert.Empty(t, got.TradeID)
	assert.Equal(t, "tok_new", got.InviteToken)

	// Protected identities stay in the channel.
	assert.Equal(t, []string{"broker-bot"}, participants.members["ch_1"])
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	trades []string
}

func (r *recordingNotifier) ChannelEvent(event, channelID, tradeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.trades = append(r.trades, tradeID)
}

func TestRecycle_NotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	participants := newFakeParticipants()
	n := &recordingNotifier{}
	svc, _ := newTestPool(t, participants)
	svc.WithNotifier(n)

	_, err := svc.Register(ctx, "ch_1", "tok_old")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "trd_1")
	require.NoError(t, err)

	require.NoError(t, svc.Recycle(ctx, "trd_1"))
	assert.Equal(t, []string{"channel_recycled"}, n.events)
	assert.Equal(t, []string{"trd_1"}, n.trades)

	// A parked channel is announced too so operators see it.
	participants.refuse["bob"] = true
	participants.members["ch_1"] = []string{"bob"}
	_, err = svc.Lease(ctx, "trd_2")
	require.NoError(t, err)

	require.Error(t, svc.Recycle(ctx, "trd_2"))
	assert.Equal(t, []string{"channel_recycled", "channel_parked"}, n.events)
}

func TestRecycle_EvictionFailureParks(t *testing.T) {
	ctx := context.Background()
	participants := newFakeParticipants()
	participants.refuse["bob"] = true
	svc, _ := newTestPool(t, participants)

	_, err := svc.Register(ctx, "ch_1", "tok_old")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "trd_1")
	require.NoError(t, err)
	participants.members["ch_1"] = []string{"alice", "bob"}

	err = svc.Recycle(ctx, "trd_1")
	require.Error(t, err)

	// The channel is parked, never silently relisted.
	got, err := svc.Get(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// And the pool will not hand it to the next trade.
	_, err = svc.Lease(ctx, "trd_2")
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestRecycle_TokenRotationFailureParks(t *testing.T) {
	ctx := context.Background()
	participants := newFakeParticipants()
	participants.rotErr = errors.New("platform down")
	svc, _ := newTestPool(t, participants)

	_, err := svc.Register(ctx, "ch_1", "tok_old")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "trd_1")
	require.NoError(t, err)

	err = svc.Recycle(ctx, "trd_1")
	require.Error(t, err)

	got, err := svc.Get(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRecycleChannel_RetryAfterPark(t *testing.T) {
	ctx := context.Background()
	participants := newFakeParticipants()
	participants.refuse["bob"] = true
	svc, _ := newTestPool(t, participants)

	_, err := svc.Register(ctx, "ch_1", "tok_old")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "trd_1")
	require.NoError(t, err)
	participants.members["ch_1"] = []string{"bob"}

	require.Error(t, svc.Recycle(ctx, "trd_1"))

	// Operator resolves the blockage, then retries by channel ID.
	participants.mu.Lock()
	delete(participants.refuse, "bob")
	participants.mu.Unlock()

	require.NoError(t, svc.RecycleChannel(ctx, "ch_1"))
	got, err := svc.Get(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, got.Status)
}

func TestRecycle_Idempotent(t *testing.T) {
	ctx := context.Background()
	participants := newFakeParticipants()
	svc, _ := newTestPool(t, participants)

	_, err := svc.Register(ctx, "ch_1", "")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "trd_1")
	require.NoError(t, err)

	require.NoError(t, svc.Recycle(ctx, "trd_1"))
	// The channel is back in the pool; a second recycle by ID is a no-op.
	require.NoError(t, svc.RecycleChannel(ctx, "ch_1"))
	assert.Equal(t, 1, participants.rotated)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestPool(t, newFakeParticipants())

	_, err := svc.Register(ctx, "ch_1", "tok")
	require.NoError(t, err)
	require.NoError(t, svc.Archive(ctx, "ch_1"))

	got, err := svc.Get(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
	assert.Empty(t, got.InviteToken)

	// Idempotent, and recycling an archived channel is refused.
	require.NoError(t, svc.Archive(ctx, "ch_1"))
	err = svc.RecycleChannel(ctx, "ch_1")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = svc.Lease(ctx, "trd_1")
	assert.ErrorIs(t, err, ErrNoChannels)
}
