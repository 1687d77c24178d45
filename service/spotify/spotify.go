// Package spotify is a small typed client for the playback endpoints of the
// Spotify Web API.
package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beebombshell/nowplaying/cache"
	"github.com/beebombshell/nowplaying/models"
	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.spotify.com/v1/"

	imageCacheTTL  = time.Hour
	imageCacheSize = 512
	maxImageBytes  = 2 << 20
)

// ErrMalformedTrack is returned when Spotify reports an item that cannot be
// shown: not a track, no name, or no album art.
var ErrMalformedTrack = errors.New("spotify: malformed track item")

// APIError is a non-2xx answer from the Web API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("spotify api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("spotify api: status %d: %s", e.StatusCode, e.Message)
}

// Playback is a live answer from the currently-playing endpoint.
type Playback struct {
	Track      models.Track
	IsPlaying  bool
	ProgressMs int64
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	images     *cache.TTL[string, string]
	logger     *log.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithBaseURL(u string) Option {
	return func(cl *Client) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		cl.baseURL = u
	}
}

// WithRateLimit caps outgoing requests per second across all users. Zero
// leaves the client unthrottled.
func WithRateLimit(perSecond float64) Option {
	return func(cl *Client) {
		if perSecond > 0 {
			cl.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    DefaultBaseURL,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		images:     cache.NewTTL[string, string](imageCacheTTL, cache.WithMaxEntries[string, string](imageCacheSize)),
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type apiTrack struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Artists []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		ID     string     `json:"id"`
		Name   string     `json:"name"`
		Images []apiImage `json:"images"`
	} `json:"album"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
	DurationMs int64 `json:"duration_ms"`
}

type currentlyPlayingResponse struct {
	IsPlaying            bool      `json:"is_playing"`
	ProgressMs           int64     `json:"progress_ms"`
	CurrentlyPlayingType string    `json:"currently_playing_type"`
	Item                 *apiTrack `json:"item"`
}

type recentlyPlayedResponse struct {
	Items []struct {
		Track    *apiTrack `json:"track"`
		PlayedAt string    `json:"played_at"`
	} `json:"items"`
}

// toTrack validates the item at the boundary.
func (t *apiTrack) toTrack() (models.Track, error) {
	if t == nil || (t.Type != "" && t.Type != "track") || t.Name == "" || len(t.Album.Images) == 0 {
		return models.Track{}, ErrMalformedTrack
	}

	track := models.Track{
		ID:         t.ID,
		Name:       t.Name,
		URL:        t.ExternalURLs.Spotify,
		DurationMs: t.DurationMs,
		Album: models.Album{
			ID:   t.Album.ID,
			Name: t.Album.Name,
		},
	}
	for _, a := range t.Artists {
		track.Artists = append(track.Artists, models.Artist{ID: a.ID, Name: a.Name})
	}
	for _, img := range t.Album.Images {
		if img.URL == "" {
			continue
		}
		track.Album.Images = append(track.Album.Images, models.Image{URL: img.URL, Width: img.Width, Height: img.Height})
	}
	if len(track.Album.Images) == 0 {
		return models.Track{}, ErrMalformedTrack
	}
	return track, nil
}

// CurrentlyPlaying returns (nil, nil) when nothing is playing.
func (c *Client) CurrentlyPlaying(ctx context.Context, token string) (*Playback, error) {
	resp, err := c.get(ctx, token, "me/player/currently-playing", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}

	var body currentlyPlayingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding currently playing: %w", err)
	}
	if body.Item == nil {
		// ads and unknown items come back without one
		return nil, nil
	}

	track, err := body.Item.toTrack()
	if err != nil {
		return nil, err
	}

	return &Playback{
		Track:      track,
		IsPlaying:  body.IsPlaying,
		ProgressMs: body.ProgressMs,
	}, nil
}

// RecentlyPlayed returns up to limit tracks, newest first. Items that fail
// validation are skipped.
func (c *Client) RecentlyPlayed(ctx context.Context, token string, limit int) ([]models.Track, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, token, "me/player/recently-played", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var body recentlyPlayedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding recently played: %w", err)
	}

	tracks := make([]models.Track, 0, len(body.Items))
	for _, item := range body.Items {
		track, err := item.Track.toTrack()
		if err != nil {
			c.logger.Debug("skipping recently played item", "error", err)
			continue
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// ImageDataURI downloads an image and returns it inline as a data: URI, so
// SVG cards still show album art when served through image proxies that
// block nested requests.
func (c *Client) ImageDataURI(ctx context.Context, imageURL string) (string, error) {
	if uri, ok := c.images.Get(imageURL); ok {
		return uri, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching image %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "image fetch failed"}
	}

	mimeType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("unexpected content type %q for %s", resp.Header.Get("Content-Type"), imageURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading image %s: %w", imageURL, err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image %s exceeds %d bytes", imageURL, maxImageBytes)
	}

	uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	c.images.Set(imageURL, uri)
	return uri, nil
}

func (c *Client) get(ctx context.Context, token, path string, q url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context error during request execution: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to execute request to %s: %w", path, err)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
