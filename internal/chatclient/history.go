package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

// RESTClient talks to the Stoa conversation and history endpoints.
type RESTClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewRESTClient constructs a RESTClient. baseURL is the server root, e.g.
// "http://localhost:8080". httpClient may be nil.
func NewRESTClient(baseURL, token string, httpClient *http.Client) (*RESTClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTClient{base: u, token: token, http: httpClient}, nil
}

// ListConversations returns the caller's conversations, most recent activity
// first, with preview and unread counts.
func (c *RESTClient) ListConversations(ctx context.Context) ([]v1.ConversationSummary, error) {
	var out []v1.ConversationSummary
	if err := c.getJSON(ctx, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreateConversation resolves the conversation with otherUserID,
// creating it if it does not exist yet. Idempotent.
func (c *RESTClient) GetOrCreateConversation(ctx context.Context, otherUserID string) (v1.Conversation, error) {
	var out v1.Conversation
	if err := c.getJSON(ctx, "/conversations/"+url.PathEscape(otherUserID), nil, &out); err != nil {
		return v1.Conversation{}, err
	}
	return out, nil
}

// ListMessages fetches confirmed history ascending by id. afterID and limit
// are optional (zero values mean "from the start" and "server default").
func (c *RESTClient) ListMessages(ctx context.Context, conversationID, afterID string, limit int) ([]v1.Message, error) {
	q := url.Values{}
	if afterID != "" {
		q.Set("after", afterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out []v1.Message
	if err := c.getJSON(ctx, "/messages/"+url.PathEscape(conversationID), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flags every message addressed to the caller in the conversation
// as read.
func (c *RESTClient) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

func (c *RESTClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", msg, ErrAuthRejected)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	default:
		return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
}
