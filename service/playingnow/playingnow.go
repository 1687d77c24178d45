// Package playingnow resolves what a connected user is listening to, falling
// back to what they listened to last when nothing is live.
package playingnow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beebombshell/nowplaying/apperror"
	"github.com/beebombshell/nowplaying/cache"
	"github.com/beebombshell/nowplaying/models"
	"github.com/beebombshell/nowplaying/service/spotify"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 30 * time.Second

	// bounds one shared resolution, independent of any single caller
	resolveTimeout = 15 * time.Second
)

type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateLastPlayed(ctx context.Context, id string, lp *models.LastPlayed) error
}

type Refresher interface {
	RefreshAccessToken(ctx context.Context, userID string) (string, error)
}

type Player interface {
	CurrentlyPlaying(ctx context.Context, token string) (*spotify.Playback, error)
	RecentlyPlayed(ctx context.Context, token string, limit int) ([]models.Track, error)
}

// Service memoizes one snapshot per user id. A nil snapshot is a valid,
// memoized answer meaning nothing is known for that user.
type Service struct {
	store     Store
	refresher Refresher
	player    Player
	memo      *cache.TTL[string, *models.Snapshot]
	group     singleflight.Group
	now       func() time.Time
	logger    *log.Logger

	// forgotten counts Forget calls per id; a resolution that started
	// before the latest Forget must not repopulate the memo.
	mu        sync.Mutex
	forgotten map[string]uint64
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewPlayingNowService wires the resolver. memo is usually a
// cache.TTL built with DefaultTTL.
func NewPlayingNowService(store Store, refresher Refresher, player Player, memo *cache.TTL[string, *models.Snapshot], opts ...Option) *Service {
	s := &Service{
		store:     store,
		refresher: refresher,
		player:    player,
		memo:      memo,
		now:       time.Now,
		forgotten: make(map[string]uint64),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the best known snapshot for userID, or nil. Errors are
// only returned when the store fails or a refresh never reaches Spotify;
// a refresh Spotify rejects resolves to a memoized nil, and playback
// failures degrade to the fallback chain.
func (s *Service) Resolve(ctx context.Context, userID string) (*models.Snapshot, error) {
	if snap, ok := s.memo.Get(userID); ok {
		return snap, nil
	}

	v, err, shared := s.group.Do(userID, func() (any, error) {
		if snap, ok := s.memo.Get(userID); ok {
			return snap, nil
		}

		generation := s.generation(userID)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		snap, err := s.resolve(rctx, userID)
		if err != nil {
			return nil, err
		}
		s.remember(userID, generation, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("shared in-flight resolution", "user", userID)
	}

	snap, _ := v.(*models.Snapshot)
	return snap, nil
}

// Forget drops whatever is memoized for userID.
func (s *Service) Forget(userID string) {
	s.mu.Lock()
	s.forgotten[userID]++
	s.memo.Delete(userID)
	s.mu.Unlock()

	s.group.Forget(userID)
}

func (s *Service) generation(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forgotten[userID]
}

// remember memoizes snap unless userID was forgotten since generation was read.
func (s *Service) remember(userID string, generation uint64, snap *models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forgotten[userID] != generation {
		s.logger.Debug("dropping resolution for forgotten user", "user", userID)
		return
	}
	s.memo.Set(userID, snap)
}

func (s *Service) resolve(ctx context.Context, userID string) (*models.Snapshot, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	token := user.AccessToken
	if user.TokenExpired(s.now()) {
		token, err = s.refresher.RefreshAccessToken(ctx, userID)
		if rejectedBySpotify(err) {
			s.logger.Warn("refresh rejected, showing nothing", "user", userID, "error", err)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	playback, err := s.player.CurrentlyPlaying(ctx, token)
	switch {
	case err == nil && playback != nil:
		return s.live(ctx, user, playback), nil
	case err == nil:
		return s.fallback(ctx, user, token), nil
	case isUpstreamAnswer(err):
		s.logger.Warn("no usable playback, falling back", "user", userID, "error", err)
		return s.fallback(ctx, user, token), nil
	default:
		s.logger.Warn("playback request failed", "user", userID, "error", err)
		return storedFallback(user), nil
	}
}

func (s *Service) live(ctx context.Context, user *models.User, pb *spotify.Playback) *models.Snapshot {
	lp := &models.LastPlayed{Track: pb.Track, ObservedAt: s.now()}
	if err := s.store.UpdateLastPlayed(ctx, user.ID, lp); err != nil {
		s.logger.Error("failed to persist last played", "user", user.ID, "error", err)
	}

	return &models.Snapshot{
		Track:      pb.Track,
		IsPlaying:  pb.IsPlaying,
		ProgressMs: pb.ProgressMs,
	}
}

// fallback tries the stored track first, then asks Spotify for the most
// recent play and remembers it.
func (s *Service) fallback(ctx context.Context, user *models.User, token string) *models.Snapshot {
	if snap := storedFallback(user); snap != nil {
		return snap
	}

	tracks, err := s.player.RecentlyPlayed(ctx, token, 1)
	if err != nil {
		s.logger.Warn("recently played fallback failed", "user", user.ID, "error", err)
		return nil
	}
	if len(tracks) == 0 {
		return nil
	}

	lp := &models.LastPlayed{Track: tracks[0], ObservedAt: s.now()}
	if err := s.store.UpdateLastPlayed(ctx, user.ID, lp); err != nil {
		s.logger.Error("failed to persist last played", "user", user.ID, "error", err)
	}

	return &models.Snapshot{Track: tracks[0], IsFallback: true}
}

func storedFallback(user *models.User) *models.Snapshot {
	if user.LastPlayed == nil {
		return nil
	}
	return &models.Snapshot{Track: user.LastPlayed.Track, IsFallback: true}
}

// rejectedBySpotify reports whether Spotify answered a token call with an
// error status, as opposed to the call never completing.
func rejectedBySpotify(err error) bool {
	var authErr *apperror.UpstreamAuthError
	return errors.As(err, &authErr) && authErr.StatusCode != 0
}

// isUpstreamAnswer separates "Spotify answered but there is nothing to
// show" from transport failures.
func isUpstreamAnswer(err error) bool {
	var apiErr *spotify.APIError
	return errors.As(err, &apiErr) || errors.Is(err, spotify.ErrMalformedTrack)
}
