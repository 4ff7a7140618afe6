// Package vk talks to the VK API methods that list audio records.
package vk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"vkaudio/internal/core"
)

// PageSize is the number of records requested per audio.get call.
const PageSize = 200

// ErrNoTracks is returned when VK lists nothing for a track, playlist or user.
var ErrNoTracks = errors.New("no tracks returned")

// APIError is an error object returned by the VK API.
type APIError struct {
	Method  string
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d in %s: %s", e.Code, e.Method, e.Message)
}

// Client calls the VK API with a user access token.
type Client struct {
	httpClient *http.Client
	token      string
	apiBase    string
	version    string
	logger     *zap.Logger
}

// NewClient creates a VK API client.
func NewClient(cfg core.VKConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	apiBase := strings.TrimRight(cfg.APIBase, "/")
	if apiBase == "" {
		apiBase = core.DefaultAPIBase
	}
	version := cfg.APIVersion
	if version == "" {
		version = core.DefaultAPIVersion
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		token:      cfg.Token,
		apiBase:    apiBase,
		version:    version,
		logger:     logger,
	}
}

// Track fetches a single audio record.
func (c *Client) Track(ctx context.Context, ref TrackRef) (core.Track, error) {
	resp, err := c.call(ctx, "audio.getById", url.Values{"audios": {ref.String()}})
	if err != nil {
		return core.Track{}, err
	}

	items := resp.Array()
	if len(items) == 0 || !items[0].IsObject() {
		return core.Track{}, fmt.Errorf("%w: track %s not found or inaccessible", ErrNoTracks, ref)
	}
	return decodeTrack(items[0]), nil
}

// PlaylistTracks lists every record of a playlist.
func (c *Client) PlaylistTracks(ctx context.Context, ref PlaylistRef) ([]core.Track, error) {
	params := url.Values{
		"owner_id": {ref.OwnerID},
		"album_id": {ref.PlaylistID},
	}
	if ref.AccessKey != "" {
		params.Set("access_key", ref.AccessKey)
	}

	tracks, err := c.paginate(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: playlist is empty or inaccessible", ErrNoTracks)
	}
	return tracks, nil
}

// UserTracks lists every record of a user's audio library.
func (c *Client) UserTracks(ctx context.Context, ownerID string) ([]core.Track, error) {
	tracks, err := c.paginate(ctx, url.Values{"owner_id": {ownerID}})
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: user audio is empty or inaccessible", ErrNoTracks)
	}
	return tracks, nil
}

// PlaylistTitle returns the playlist title, or "" when VK refuses to tell.
// API errors are logged and swallowed; transport errors are returned.
func (c *Client) PlaylistTitle(ctx context.Context, ref PlaylistRef) (string, error) {
	params := url.Values{
		"owner_id":     {ref.OwnerID},
		"playlist_ids": {ref.PlaylistID},
	}
	if ref.AccessKey != "" {
		params.Set("access_key", ref.AccessKey)
	}

	resp, err := c.call(ctx, "audio.getPlaylists", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			c.logger.Warn("Could not get playlist title", zap.Error(err))
			return "", nil
		}
		return "", err
	}

	first := resp.Get("items.0")
	if !first.IsObject() {
		return "", nil
	}
	title := first.Get("title")
	if title.Type != gjson.String {
		return "", nil
	}
	return strings.TrimSpace(title.Str), nil
}

// paginate walks audio.get until a short page, an empty page or the
// reported total.
func (c *Client) paginate(ctx context.Context, params url.Values) ([]core.Track, error) {
	var tracks []core.Track
	offset := 0
	total := -1

	for {
		page := url.Values{}
		for k, v := range params {
			page[k] = v
		}
		page.Set("offset", strconv.Itoa(offset))
		page.Set("count", strconv.Itoa(PageSize))

		resp, err := c.call(ctx, "audio.get", page)
		if err != nil {
			return nil, err
		}

		if count := resp.Get("count"); total < 0 && count.Type == gjson.Number {
			total = int(count.Int())
		}

		items := resp.Get("items")
		if !items.IsArray() {
			break
		}
		records := items.Array()
		if len(records) == 0 {
			break
		}
		for _, item := range records {
			if item.IsObject() {
				tracks = append(tracks, decodeTrack(item))
			}
		}

		c.logger.Debug("Fetched audio page",
			zap.Int("offset", offset),
			zap.Int("items", len(records)),
			zap.Int("total", total))

		if len(records) < PageSize {
			break
		}
		offset += len(records)
		if total >= 0 && offset >= total {
			break
		}
	}

	return tracks, nil
}

// call invokes method and returns the "response" member.
func (c *Client) call(ctx context.Context, method string, params url.Values) (gjson.Result, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("access_token", c.token)
	query.Set("v", c.version)

	endpoint := c.apiBase + "/" + method + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build %s request: %w", method, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s request failed: %w", method, stripToken(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s returned invalid json", method)
	}

	if apiErr := gjson.GetBytes(body, "error"); apiErr.Exists() {
		return gjson.Result{}, &APIError{
			Method:  method,
			Code:    apiErr.Get("error_code").Int(),
			Message: apiErr.Get("error_msg").String(),
		}
	}

	return gjson.GetBytes(body, "response"), nil
}

func decodeTrack(item gjson.Result) core.Track {
	return core.Track{
		OwnerID: item.Get("owner_id").Int(),
		ID:      item.Get("id").Int(),
		URL:     item.Get("url").String(),
		Artist:  item.Get("artist").String(),
		Title:   item.Get("title").String(),
	}
}

// stripToken keeps the access token out of error messages.
func stripToken(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			u.RawQuery = ""
			return &url.Error{Op: urlErr.Op, URL: u.String(), Err: urlErr.Err}
		}
	}
	return err
}
