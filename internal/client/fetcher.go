package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mkarlsen/chatrelay/internal/event"
)

// Fetcher is the pull channel: the REST reads the poll loop depends on.
type Fetcher interface {
	Presence(ctx context.Context) ([]int64, error)
	MessagesSince(ctx context.Context, chatID, sinceID int64) ([]event.Message, error)
}

// HTTPFetcher reads presence and message sync from the chatrelay REST
// surface.
type HTTPFetcher struct {
	BaseURL   string // e.g. http://127.0.0.1:8080
	UserID    int64
	AuthToken string
	Client    *http.Client // nil means http.DefaultClient
}

func (f *HTTPFetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *HTTPFetcher) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", strconv.FormatInt(f.UserID, 10))
	if f.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.AuthToken)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (f *HTTPFetcher) Presence(ctx context.Context) ([]int64, error) {
	var resp struct {
		Online []int64 `json:"online"`
	}
	if err := f.get(ctx, "/api/presence", &resp); err != nil {
		return nil, err
	}
	return resp.Online, nil
}

func (f *HTTPFetcher) MessagesSince(ctx context.Context, chatID, sinceID int64) ([]event.Message, error) {
	var resp struct {
		Messages []event.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/chats/%d/messages?since=%d", chatID, sinceID)
	if err := f.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
