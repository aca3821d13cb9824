// Package jellyfin implements the HTTP/JSON protocol client for a
// Jellyfin-compatible media server: playback-info negotiation, stream URL
// construction, playstate beacons, and the item lookups the playback engine
// needs (media segments, adjacent episodes).
package jellyfin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/opd-ai/go-jf-play/pkg/config"
)

// Client talks to one Jellyfin-compatible server on behalf of one user.
// It is safe for concurrent use.
type Client struct {
	serverURL   string
	accessToken string
	userID      string
	deviceID    string
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a client from the provided configuration. The server URL is
// normalized to have no trailing slash so path joins stay predictable.
func New(cfg *config.JellyfinConfig, logger *slog.Logger) *Client {
	return &Client{
		serverURL:   strings.TrimRight(cfg.ServerURL, "/"),
		accessToken: cfg.AccessToken,
		userID:      cfg.UserID,
		deviceID:    cfg.DeviceID,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

// ServerURL returns the normalized base URL of the server.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// UserID returns the user on whose behalf requests are issued.
func (c *Client) UserID() string {
	return c.userID
}

// PlaybackInfo posts a playback-info request for the item and returns the
// server's candidate media sources. Errors carry the HTTP status and a
// compacted excerpt of the server's error body.
func (c *Client) PlaybackInfo(ctx context.Context, itemID string, req *PlaybackInfoRequest) (*PlaybackInfoResponse, error) {
	endpoint := fmt.Sprintf("%s/Items/%s/PlaybackInfo?userId=%s", c.serverURL, url.PathEscape(itemID), url.QueryEscape(c.userID))

	var response PlaybackInfoResponse
	if err := c.postJSON(ctx, endpoint, req, &response); err != nil {
		return nil, fmt.Errorf("playback info for item %s: %w", itemID, err)
	}

	c.logger.Debug("Playback info received",
		"item_id", itemID,
		"source_count", len(response.MediaSources),
		"play_session_id", response.PlaySessionID)

	return &response, nil
}

// MediaSegments returns the skippable segments the server knows for an item.
// A missing segments endpoint is treated as "no segments", not an error.
func (c *Client) MediaSegments(ctx context.Context, itemID string) ([]MediaSegment, error) {
	endpoint := fmt.Sprintf("%s/MediaSegments/%s", c.serverURL, url.PathEscape(itemID))

	var response mediaSegmentsResponse
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		var httpErr *HTTPError
		if asHTTPError(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("media segments for item %s: %w", itemID, err)
	}

	return response.Items, nil
}

// SeasonEpisodes returns the episodes of one season in series order.
func (c *Client) SeasonEpisodes(ctx context.Context, seriesID, seasonID string) ([]Item, error) {
	endpoint := fmt.Sprintf("%s/Shows/%s/Episodes?seasonId=%s&userId=%s&fields=ParentIndexNumber,IndexNumber",
		c.serverURL, url.PathEscape(seriesID), url.QueryEscape(seasonID), url.QueryEscape(c.userID))

	var response itemsResponse
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("episodes for series %s season %s: %w", seriesID, seasonID, err)
	}

	return response.Items, nil
}

// NextUpEpisode returns the server's next-up suggestion for a series, or nil
// when the series has nothing left to watch.
func (c *Client) NextUpEpisode(ctx context.Context, seriesID string) (*Item, error) {
	endpoint := fmt.Sprintf("%s/Shows/NextUp?seriesId=%s&userId=%s&fields=ParentIndexNumber,IndexNumber",
		c.serverURL, url.QueryEscape(seriesID), url.QueryEscape(c.userID))

	var response itemsResponse
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("next up for series %s: %w", seriesID, err)
	}

	if len(response.Items) == 0 {
		return nil, nil
	}
	item := response.Items[0]
	return &item, nil
}

// ReportPlaybackStart tells the server a playback session began.
func (c *Client) ReportPlaybackStart(ctx context.Context, info *PlaystateInfo) error {
	return c.reportPlaystate(ctx, "/Sessions/Playing", info)
}

// ReportPlaybackProgress sends a periodic position/pause beacon.
func (c *Client) ReportPlaybackProgress(ctx context.Context, info *PlaystateInfo) error {
	return c.reportPlaystate(ctx, "/Sessions/Playing/Progress", info)
}

// ReportPlaybackStopped tells the server a playback session ended.
func (c *Client) ReportPlaybackStopped(ctx context.Context, info *PlaystateInfo) error {
	return c.reportPlaystate(ctx, "/Sessions/Playing/Stopped", info)
}

func (c *Client) reportPlaystate(ctx context.Context, path string, info *PlaystateInfo) error {
	if info.PlayMethod == "" {
		info.PlayMethod = PlayMethodDirectStream
	}
	if err := c.postJSON(ctx, c.serverURL+path, info, nil); err != nil {
		return fmt.Errorf("playstate report %s: %w", path, err)
	}
	return nil
}

// StreamURL builds the direct/remux URL for a media source. Optional parts
// (tag, container, live stream id) are appended only when present.
func (c *Client) StreamURL(itemID, mediaSourceID, playSessionID, tag, container, liveStreamID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/Videos/%s/stream?static=true&api_key=%s", c.serverURL, url.PathEscape(itemID), url.QueryEscape(c.accessToken))
	if mediaSourceID != "" {
		sb.WriteString("&mediaSourceId=" + url.QueryEscape(mediaSourceID))
	}
	if playSessionID != "" {
		sb.WriteString("&playSessionId=" + url.QueryEscape(playSessionID))
	}
	if tag != "" {
		sb.WriteString("&tag=" + url.QueryEscape(tag))
	}
	if container != "" {
		sb.WriteString("&container=" + url.QueryEscape(container))
	}
	if liveStreamID != "" {
		sb.WriteString("&liveStreamId=" + url.QueryEscape(liveStreamID))
	}
	return sb.String()
}

// TranscodeURL resolves a source's relative transcoding URL against the
// server base. Returns "" when the server offered no transcoding URL.
func (c *Client) TranscodeURL(source *MediaSource) string {
	if source == nil || source.TranscodingURL == "" {
		return ""
	}
	return c.serverURL + source.TranscodingURL
}

// HTTPError is returned for non-2xx server responses. The body excerpt is
// compacted to a single line so it can be surfaced in user-facing messages.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s - %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

func asHTTPError(err error, target **HTTPError) bool {
	return errors.As(err, target)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("X-Emby-Token", c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       compactBody(excerpt),
		}
		c.logger.Warn("Server returned error response",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode)
		return httpErr
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// compactBody collapses whitespace and truncates the server error body to a
// toast-sized excerpt.
func compactBody(body []byte) string {
	compact := strings.Join(strings.Fields(string(body)), " ")
	const maxLen = 280
	if len(compact) > maxLen {
		compact = compact[:maxLen]
	}
	return compact
}
