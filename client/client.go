// Package client is the Go client for the chat service HTTP API. It mirrors
// the server's wire types and adds a local optimistic view (ThreadView) and a
// thread-list mirror (ThreadList) for building interactive frontends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Thread is a thread summary as returned by the API, scoped to the caller.
type Thread struct {
	ID           uuid.UUID `json:"id"`
	Kind         string    `json:"kind"`
	Members      []string  `json:"members"`
	LastMessage  *string   `json:"lastMessage,omitempty"`
	LastSenderID *string   `json:"lastSenderId,omitempty"`
	Unread       int       `json:"unread"`
	Muted        bool      `json:"muted"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Peers        []Profile `json:"peers,omitempty"`
	Typing       []string  `json:"typing,omitempty"`
}

// Profile is the public display representation of a user.
type Profile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// Message is a single message record.
type Message struct {
	ID          uuid.UUID  `json:"id"`
	ThreadID    uuid.UUID  `json:"threadId"`
	SenderID    string     `json:"senderId"`
	Kind        string     `json:"kind"`
	Text        *string    `json:"text,omitempty"`
	MediaURL    *string    `json:"mediaUrl,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	ClientToken *string    `json:"clientToken,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// User is a user directory entry.
type User struct {
	ID          string  `json:"id"`
	Handle      string  `json:"handle"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// ThreadPage is one page of the caller's thread list.
type ThreadPage struct {
	Data       []Thread `json:"data"`
	NextCursor *string  `json:"nextCursor"`
	Degraded   bool     `json:"degraded,omitempty"`
}

// MessagePage is one page of a thread's history, newest first.
type MessagePage struct {
	Data       []Message `json:"data"`
	NextCursor *string   `json:"nextCursor"`
	Degraded   bool      `json:"degraded,omitempty"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat service: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("chat service: %s (%d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsForbidden reports whether err is a 403 APIError.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

func hasStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == status
}

// Client talks to a chat service instance on behalf of one user.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// New creates a Client for the given base URL and bearer token.
func New(baseURL, token string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return &Client{
		base:  base,
		http:  &http.Client{Timeout: 30 * time.Second},
		token: token,
	}, nil
}

// NewWithClient is New with a caller-supplied http.Client.
func NewWithClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	c, err := New(baseURL, token)
	if err != nil {
		return nil, err
	}
	c.http = httpClient
	return c, nil
}

// OpenDirect opens (or returns) the direct thread with peerID. The created
// flag reports whether a new thread was created by this call.
func (c *Client) OpenDirect(ctx context.Context, peerID string) (*Thread, bool, error) {
	var thread Thread
	status, err := c.do(ctx, http.MethodPost, "/v1/threads", nil,
		map[string]any{"peerId": peerID}, &thread)
	if err != nil {
		return nil, false, err
	}
	return &thread, status == http.StatusCreated, nil
}

// CreateGroup creates a group thread with the caller plus memberIDs.
func (c *Client) CreateGroup(ctx context.Context, memberIDs []string) (*Thread, error) {
	var thread Thread
	_, err := c.do(ctx, http.MethodPost, "/v1/threads", nil,
		map[string]any{"memberIds": memberIDs}, &thread)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// ListThreads returns one page of the caller's visible threads.
func (c *Client) ListThreads(ctx context.Context, cursor *string, limit int) (*ThreadPage, error) {
	var page ThreadPage
	_, err := c.do(ctx, http.MethodGet, "/v1/threads", pageQuery(cursor, limit), nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// GetThread returns one thread the caller is a member of.
func (c *Client) GetThread(ctx context.Context, threadID uuid.UUID) (*Thread, error) {
	var thread Thread
	_, err := c.do(ctx, http.MethodGet, "/v1/threads/"+threadID.String(), nil, nil, &thread)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// Messages returns one page of thread history, newest first.
func (c *Client) Messages(ctx context.Context, threadID uuid.UUID, cursor *string, limit int) (*MessagePage, error) {
	var page MessagePage
	_, err := c.do(ctx, http.MethodGet, "/v1/threads/"+threadID.String()+"/messages",
		pageQuery(cursor, limit), nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SendText sends a text message. A non-nil clientToken makes the send
// idempotent: retrying with the same token returns the original message.
func (c *Client) SendText(ctx context.Context, threadID uuid.UUID, text string, clientToken *string) (*Message, error) {
	body := map[string]any{"text": text}
	if clientToken != nil {
		body["clientToken"] = *clientToken
	}
	var msg Message
	_, err := c.do(ctx, http.MethodPost, "/v1/threads/"+threadID.String()+"/messages", nil, body, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// AttachmentOptions carries the optional fields of an attachment upload.
type AttachmentOptions struct {
	Caption     string
	DurationMs  int64
	ClientToken string
}

// SendAttachment uploads a file to the thread and returns the recorded
// media message.
func (c *Client) SendAttachment(ctx context.Context, threadID uuid.UUID, filename, contentType string, data io.Reader, opts AttachmentOptions) (*Message, error) {
	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := writer.CreatePart(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, err
	}
	if opts.Caption != "" {
		_ = writer.WriteField("caption", opts.Caption)
	}
	if opts.DurationMs > 0 {
		_ = writer.WriteField("durationMs", strconv.FormatInt(opts.DurationMs, 10))
	}
	if opts.ClientToken != "" {
		_ = writer.WriteField("clientToken", opts.ClientToken)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/threads/"+threadID.String()+"/attachments", nil, form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var msg Message
	if _, err := c.roundTrip(req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DownloadMedia streams a media object by the service-relative URL recorded
// on a message. The caller must close the returned reader.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, mediaURL, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	return resp.Body, nil
}

// DeleteMessage tombstones a message the caller sent.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodDelete,
		"/v1/threads/"+threadID.String()+"/messages/"+messageID.String(), nil, nil, nil)
	return err
}

// MarkRead resets the caller's unread counter.
func (c *Client) MarkRead(ctx context.Context, threadID uuid.UUID) error {
	return c.memberAction(ctx, threadID, "read")
}

// SetMuted sets the caller's mute flag.
func (c *Client) SetMuted(ctx context.Context, threadID uuid.UUID, muted bool) error {
	if muted {
		return c.memberAction(ctx, threadID, "mute")
	}
	return c.memberAction(ctx, threadID, "unmute")
}

// SetArchived sets the caller's archive flag.
func (c *Client) SetArchived(ctx context.Context, threadID uuid.UUID, archived bool) error {
	if archived {
		return c.memberAction(ctx, threadID, "archive")
	}
	return c.memberAction(ctx, threadID, "unarchive")
}

// DeleteThread hides the thread from the caller's list until new activity.
func (c *Client) DeleteThread(ctx context.Context, threadID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/threads/"+threadID.String(), nil, nil, nil)
	return err
}

// Typing signals that the caller is typing in the thread. The signal expires
// on its own; call again to renew.
func (c *Client) Typing(ctx context.Context, threadID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPut, "/v1/threads/"+threadID.String()+"/typing", nil, nil, nil)
	return err
}

// SearchUsers searches the user directory by handle prefix, falling back to
// exact email match.
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	q := url.Values{"query": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var payload struct {
		Data []User `json:"data"`
	}
	_, err := c.do(ctx, http.MethodGet, "/v1/users", q, nil, &payload)
	if err != nil {
		return nil, err
	}
	return payload.Data, nil
}

func (c *Client) memberAction(ctx context.Context, threadID uuid.UUID, action string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/threads/"+threadID.String()+"/"+action, nil, nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) roundTrip(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, readError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func readError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
		apiErr.Code = payload.Code
	}
	return apiErr
}

func pageQuery(cursor *string, limit int) url.Values {
	q := url.Values{}
	if cursor != nil {
		q.Set("cursor", *cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return nil
	}
	return q
}
