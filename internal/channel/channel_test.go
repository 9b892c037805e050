package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfin/calsync/internal/audit"
	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

type fakeSettingsRepo struct {
	mu       sync.Mutex
	settings map[int64]*store.SyncSettings
}

func newFakeSettingsRepo(all ...*store.SyncSettings) *fakeSettingsRepo {
	r := &fakeSettingsRepo{settings: make(map[int64]*store.SyncSettings)}
	for _, s := range all {
		cp := *s
		r.settings[s.UserID] = &cp
	}
	return r
}

func (r *fakeSettingsRepo) Get(ctx context.Context, userID int64) (*store.SyncSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSettingsRepo) Upsert(ctx context.Context, s *store.SyncSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.settings[s.UserID] = &cp
	return nil
}

func (r *fakeSettingsRepo) UpdateCursor(ctx context.Context, userID int64, token string, fullSync bool, at time.Time) error {
	return nil
}

func (r *fakeSettingsRepo) ClearCursor(ctx context.Context, userID int64) error { return nil }

func (r *fakeSettingsRepo) UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return store.ErrNotFound
	}
	s.ChannelID = &channelID
	s.ChannelResourceID = &resourceID
	s.ChannelExpiresAt = &expiresAt
	return nil
}

func (r *fakeSettingsRepo) ClearChannel(ctx context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.settings[userID]; ok {
		s.ChannelID = nil
		s.ChannelResourceID = nil
		s.ChannelExpiresAt = nil
	}
	return nil
}

func (r *fakeSettingsRepo) FindByChannelID(ctx context.Context, channelID string) (*store.SyncSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.settings {
		if s.ChannelID != nil && *s.ChannelID == channelID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeSettingsRepo) ListExpiringChannels(ctx context.Context, before time.Time) ([]store.SyncSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []store.SyncSettings
	for _, s := range r.settings {
		if s.SyncEnabled && s.ChannelID != nil && s.ChannelExpiresAt != nil && !s.ChannelExpiresAt.After(before) {
			result = append(result, *s)
		}
	}
	return result, nil
}

type fakeTokens struct{}

func (fakeTokens) GetValidAccessToken(ctx context.Context, userID int64) (string, error) {
	return "access-tok", nil
}

type fakeProvider struct {
	mu       sync.Mutex
	watchErr map[int]error // keyed by call number, 1-based
	calls    int
	stopped  []string
	ttl      time.Duration
}

func (f *fakeProvider) ListEvents(ctx context.Context, accessToken string, opts provider.ListOptions) (*provider.EventPage, error) {
	return &provider.EventPage{NextSyncToken: "tok"}, nil
}

func (f *fakeProvider) CreateEvent(ctx context.Context, accessToken string, ev *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	return ev, nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, accessToken string, ev *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	return ev, nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	return nil
}

func (f *fakeProvider) Watch(ctx context.Context, accessToken, channelID, address string, ttl time.Duration) (*provider.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ttl = ttl
	if err := f.watchErr[f.calls]; err != nil {
		return nil, err
	}
	return &provider.Channel{ID: channelID, ResourceID: "res-" + channelID, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeProvider) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channelID)
	return nil
}

func withChannel(s *store.SyncSettings, id string, expiresAt time.Time) *store.SyncSettings {
	res := "res-" + id
	s.ChannelID = &id
	s.ChannelResourceID = &res
	s.ChannelExpiresAt = &expiresAt
	return s
}

func enabled(userID int64) *store.SyncSettings {
	return &store.SyncSettings{UserID: userID, SyncEnabled: true, Direction: store.DirectionBidirectional}
}

func TestCreateChannelRegistersAndStores(t *testing.T) {
	repo := newFakeSettingsRepo(enabled(1))
	prov := &fakeProvider{}
	reg := NewRegistry(repo, fakeTokens{}, prov, "https://app.example/sync/webhook", 7*24*time.Hour)

	ch, err := reg.CreateChannel(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, 7*24*time.Hour, prov.ttl)

	s, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, s.ChannelID)
	assert.Equal(t, ch.ID, *s.ChannelID)
	require.NotNil(t, s.ChannelResourceID)
	assert.Equal(t, ch.ResourceID, *s.ChannelResourceID)
}

func TestRenewChannelSwapsThenStopsOld(t *testing.T) {
	old := withChannel(enabled(1), "old-chan", time.Now().Add(2*time.Hour))
	repo := newFakeSettingsRepo(old)
	prov := &fakeProvider{}
	reg := NewRegistry(repo, fakeTokens{}, prov, "https://app.example/sync/webhook", 7*24*time.Hour)

	ch, err := reg.RenewChannel(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, "old-chan", ch.ID)

	s, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, *s.ChannelID)
	assert.Equal(t, []string{"old-chan"}, prov.stopped, "old channel is stopped after the swap")
}

func TestRenewChannelFailureKeepsOldRegistration(t *testing.T) {
	expiry := time.Now().Add(2 * time.Hour)
	repo := newFakeSettingsRepo(withChannel(enabled(1), "old-chan", expiry))
	prov := &fakeProvider{watchErr: map[int]error{1: &provider.HTTPError{StatusCode: 503, Operation: "channels.watch", Message: "unavailable"}}}
	reg := NewRegistry(repo, fakeTokens{}, prov, "https://app.example/sync/webhook", 7*24*time.Hour)

	_, err := reg.RenewChannel(context.Background(), 1)
	require.Error(t, err)

	s, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, s.ChannelID, "failed renewal must not null out channel state")
	assert.Equal(t, "old-chan", *s.ChannelID)
	assert.True(t, s.ChannelExpiresAt.Equal(expiry))
	assert.Empty(t, prov.stopped)
}

func TestRenewChannelWithoutChannel(t *testing.T) {
	repo := newFakeSettingsRepo(enabled(1))
	reg := NewRegistry(repo, fakeTokens{}, &fakeProvider{}, "https://app.example/sync/webhook", time.Hour)

	_, err := reg.RenewChannel(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestExpiringWithin(t *testing.T) {
	now := time.Now()
	repo := newFakeSettingsRepo(
		withChannel(enabled(1), "soon", now.Add(2*time.Hour)),
		withChannel(enabled(2), "later", now.Add(72*time.Hour)),
		enabled(3),
	)
	reg := NewRegistry(repo, fakeTokens{}, &fakeProvider{}, "https://app.example/sync/webhook", 7*24*time.Hour)
	reg.now = func() time.Time { return now }

	expiring, err := reg.ExpiringWithin(context.Background(), 1, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, expiring)

	expiring, err = reg.ExpiringWithin(context.Background(), 2, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, expiring)

	expiring, err = reg.ExpiringWithin(context.Background(), 3, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, expiring, "no channel means nothing to renew")

	_, err = reg.ExpiringWithin(context.Background(), 99, 24*time.Hour)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopChannelClearsState(t *testing.T) {
	repo := newFakeSettingsRepo(withChannel(enabled(1), "chan-1", time.Now().Add(time.Hour)))
	prov := &fakeProvider{}
	reg := NewRegistry(repo, fakeTokens{}, prov, "https://app.example/sync/webhook", time.Hour)

	require.NoError(t, reg.StopChannel(context.Background(), 1))
	assert.Equal(t, []string{"chan-1"}, prov.stopped)

	s, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, s.ChannelID)
	assert.Nil(t, s.ChannelExpiresAt)
}

func TestRenewalPassRenewsOnlyExpiring(t *testing.T) {
	now := time.Now()
	repo := newFakeSettingsRepo(
		withChannel(enabled(1), "soon", now.Add(2*time.Hour)),
		withChannel(enabled(2), "later", now.Add(72*time.Hour)),
		withChannel(enabled(3), "also-soon", now.Add(12*time.Hour)),
	)
	prov := &fakeProvider{}
	reg := NewRegistry(repo, fakeTokens{}, prov, "https://app.example/sync/webhook", 7*24*time.Hour)
	sched := NewScheduler(repo, reg, audit.NopSink{}, 2)

	report, err := sched.RunRenewalPass(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Renewed)
	assert.Zero(t, report.Failed)

	s2, err := repo.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "later", *s2.ChannelID, "channels outside the horizon are untouched")
}

func TestRenewalPassIsolatesFailures(t *testing.T) {
	now := time.Now()
	repo := newFakeSettingsRepo(
		withChannel(enabled(1), "a", now.Add(time.Hour)),
		withChannel(enabled(2), "b", now.Add(time.Hour)),
		withChannel(enabled(3), "c", now.Add(time.Hour)),
	)
	// One of the three watch calls fails; the workers run concurrently so
	// which user it hits is arbitrary, but exactly one must fail.
	prov := &fakeProvider{watchErr: map[int]error{2: fmt.Errorf("watch exploded")}}
	reg := NewRegistry(repo, fakeTokens{}, prov, "https://app.example/sync/webhook", 7*24*time.Hour)
	sched := NewScheduler(repo, reg, audit.NopSink{}, 1)

	report, err := sched.RunRenewalPass(context.Background(), now)
	require.NoError(t, err, "a partial pass still reports instead of failing")
	assert.Equal(t, 2, report.Renewed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "watch exploded")

	// The successful renewals persisted their new registrations.
	renewed := 0
	for _, userID := range []int64{1, 2, 3} {
		s, err := repo.Get(context.Background(), userID)
		require.NoError(t, err)
		require.NotNil(t, s.ChannelID)
		if *s.ChannelID != "a" && *s.ChannelID != "b" && *s.ChannelID != "c" {
			renewed++
			assert.True(t, s.ChannelExpiresAt.After(now.Add(renewalHorizon)))
		}
	}
	assert.Equal(t, 2, renewed)
}

// stallingProvider never answers a watch call; the attempt dies by timeout.
type stallingProvider struct {
	fakeProvider
}

func (p *stallingProvider) Watch(ctx context.Context, accessToken, channelID, address string, ttl time.Duration) (*provider.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingSink captures whether the ctx handed to each audit write was still
// usable at the time of the write.
type recordingSink struct {
	mu      sync.Mutex
	actions []store.AuditAction
	ctxLive []bool
}

func (s *recordingSink) Record(ctx context.Context, userID int64, action store.AuditAction, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	s.ctxLive = append(s.ctxLive, ctx.Err() == nil)
}

func TestRenewalTimeoutFailureStillAudited(t *testing.T) {
	now := time.Now()
	repo := newFakeSettingsRepo(withChannel(enabled(1), "stuck", now.Add(time.Hour)))
	sink := &recordingSink{}
	reg := NewRegistry(repo, fakeTokens{}, &stallingProvider{}, "https://app.example/sync/webhook", 7*24*time.Hour)
	sched := NewScheduler(repo, reg, sink, 1)
	sched.attemptTimeout = 50 * time.Millisecond

	report, err := sched.RunRenewalPass(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, sink.actions, 1)
	assert.Equal(t, store.ActionSyncFailed, sink.actions[0])
	assert.True(t, sink.ctxLive[0], "the failure audit must outlive the attempt timeout")
}

func TestRenewalPassEmpty(t *testing.T) {
	repo := newFakeSettingsRepo(enabled(1))
	reg := NewRegistry(repo, fakeTokens{}, &fakeProvider{}, "https://app.example/sync/webhook", time.Hour)
	sched := NewScheduler(repo, reg, audit.NopSink{}, 4)

	report, err := sched.RunRenewalPass(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Renewed)
	assert.Zero(t, report.Failed)
}
