package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"courier/api/internal/app"
	"courier/api/internal/store"
)

// HTTPClient is a Backend over the REST API, acting as the user the token names.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/") + "/api", token: token, client: client}
}

func (c *HTTPClient) ListChannels(ctx context.Context) ([]app.ChannelView, error) {
	var body struct {
		Channels []app.ChannelView `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels", nil, &body); err != nil {
		return nil, err
	}
	return body.Channels, nil
}

func (c *HTTPClient) CreateChannel(ctx context.Context, input app.CreateChannelInput) (app.ChannelView, error) {
	var view app.ChannelView
	err := c.do(ctx, http.MethodPost, "/channels", input, &view)
	return view, err
}

func (c *HTTPClient) FetchMessages(ctx context.Context, channelID, before string, limit int) (app.Page, error) {
	query := url.Values{}
	if before != "" {
		query.Set("before", before)
	}
	if limit != 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var view app.PageView
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return app.Page{}, err
	}
	return view.Page(), nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, channelID string, input app.SendInput) (store.Message, error) {
	var view app.MessageView
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", input, &view); err != nil {
		return store.Message{}, err
	}
	return view.Message(), nil
}

func (c *HTTPClient) EditMessage(ctx context.Context, messageID, content string) (store.Message, error) {
	var view app.MessageView
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), body, &view); err != nil {
		return store.Message{}, err
	}
	return view.Message(), nil
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID string) (store.Message, error) {
	var view app.MessageView
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, &view); err != nil {
		return store.Message{}, err
	}
	return view.Message(), nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, channelID string) (store.ReadWatermark, error) {
	var view app.WatermarkView
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/read", nil, &view); err != nil {
		return store.ReadWatermark{}, err
	}
	return view.Watermark(), nil
}

func (c *HTTPClient) OpenChannel(ctx context.Context, channelID string) (app.ReadState, error) {
	var body struct {
		Watermark   app.WatermarkView `json:"watermark"`
		UnreadCount int               `json:"unreadCount"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/open", nil, &body); err != nil {
		return app.ReadState{}, err
	}
	return app.ReadState{Watermark: body.Watermark.Watermark(), UnreadCount: body.UnreadCount}, nil
}

func (c *HTTPClient) UnreadCount(ctx context.Context, channelID string) (int, error) {
	var body struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/unread", nil, &body); err != nil {
		return 0, err
	}
	return body.UnreadCount, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, target any) error {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &app.DomainError{Status: http.StatusServiceUnavailable, Code: app.CodeTransientIO, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return &app.DomainError{Status: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: resp.Status}
	}
	return &app.DomainError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
}
