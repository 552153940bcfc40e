package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/ronde"
)

const maxResponseBytes = 4 << 20

// platformFetcher polls a content platform's REST API. It implements both
// the schedule-level check and the key-level prefetch fetch.
type platformFetcher struct {
	base   string
	apiKey string
	client *http.Client
}

func newPlatformFetcher(base, apiKey string) *platformFetcher {
	return &platformFetcher{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type latestResponse struct {
	VideoID      string          `json:"video_id"`
	ContentType  string          `json:"content_type"`
	PublishedAt  int64           `json:"published_at"`
	StreamStatus string          `json:"stream_status"`
	Related      []string        `json:"related"`
	Payload      json.RawMessage `json:"payload"`
}

// Check asks the platform for the channel's latest upload. 204 means the
// channel has nothing new; that is a successful check with no content.
func (f *platformFetcher) Check(ctx context.Context, sch *ronde.ChannelSchedule) (*ronde.CheckResult, error) {
	u := fmt.Sprintf("%s/channels/%s/latest", f.base, url.PathEscape(sch.ChannelID))
	resp, err := f.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &ronde.CheckResult{APICalls: 1}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("platform: channel %s: status %d", sch.ChannelID, resp.StatusCode)
	}

	var lr latestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&lr); err != nil {
		return nil, fmt.Errorf("platform: channel %s: %w", sch.ChannelID, err)
	}
	if lr.VideoID == "" {
		return &ronde.CheckResult{APICalls: 1, StreamStatus: lr.StreamStatus}, nil
	}

	ct := lr.ContentType
	if ct == "" {
		ct = "video"
	}
	var related []string
	for _, id := range lr.Related {
		related = append(related, sch.Platform+":"+ct+":"+id)
	}
	return &ronde.CheckResult{
		ContentFound: true,
		APICalls:     1,
		Payload:      lr.Payload,
		ContentType:  ct,
		CacheKey:     sch.Platform + ":" + ct + ":" + lr.VideoID,
		RelatedKeys:  related,
		StreamStatus: lr.StreamStatus,
	}, nil
}

// FetchKey resolves one cache key (platform:content_type:id) against the
// platform API. The prefetch queue drains through this.
func (f *platformFetcher) FetchKey(ctx context.Context, key string) ([]byte, string, time.Duration, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return nil, "", 0, fmt.Errorf("platform: malformed key %q", key)
	}
	u := fmt.Sprintf("%s/%s/%s/%s", f.base, parts[0], parts[1], url.PathEscape(parts[2]))
	resp, err := f.get(ctx, u)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", 0, fmt.Errorf("platform: key %s: status %d", key, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", 0, err
	}
	return data, parts[1], time.Hour, nil
}

func (f *platformFetcher) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	return f.client.Do(req)
}

// webhookSink POSTs a content-found notification to a configured URL.
type webhookSink struct {
	url    string
	client *http.Client
}

func (s *webhookSink) ContentFound(ctx context.Context, sch *ronde.ChannelSchedule, res *ronde.CheckResult) error {
	return s.post(ctx, map[string]any{
		"event":        "content_found",
		"channel_id":   sch.ChannelID,
		"platform":     sch.Platform,
		"cache_key":    res.CacheKey,
		"content_type": res.ContentType,
		"found_at":     time.Now().UnixMilli(),
	})
}

func (s *webhookSink) StreamStatusChanged(ctx context.Context, sch *ronde.ChannelSchedule, old, new string) error {
	return s.post(ctx, map[string]any{
		"event":      "stream_status_changed",
		"channel_id": sch.ChannelID,
		"platform":   sch.Platform,
		"old":        old,
		"new":        new,
		"changed_at": time.Now().UnixMilli(),
	})
}

func (s *webhookSink) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
