// Package directory talks to the remote chat directory service: listing a
// user's conversations, paging history, and creating new conversations.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guildwork/chatsync/internal/model"
)

// Error is a typed failure from the directory service. Callers branch on
// Status; the UI layer decides presentation.
type Error struct {
	Op     string
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("directory %s: status %d: %s", e.Op, e.Status, e.Detail)
}

// Client is the HTTP client for the directory service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a directory client. httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

type conversationDTO struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	JobID        string   `json:"jobId,omitempty"`
	GuildID      string   `json:"guildId,omitempty"`
	LastMessage  *struct {
		Text      string    `json:"text"`
		SenderID  string    `json:"senderId"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"lastMessage,omitempty"`
	UnreadCount int       `json:"unreadCount"`
	IsActive    bool      `json:"isActive"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type messageDTO struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	Kind           string    `json:"kind"`
	Attachments    []string  `json:"attachments,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ReadBy         []string  `json:"readBy,omitempty"`
}

// ListConversations fetches the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	var dtos []conversationDTO
	if err := c.get(ctx, "list_conversations", "/chat/my-chats", nil, &dtos); err != nil {
		return nil, err
	}
	convs := make([]*model.Conversation, 0, len(dtos))
	for i := range dtos {
		convs = append(convs, dtos[i].toModel())
	}
	return convs, nil
}

// GetMessages fetches a page of history for a conversation, newest first,
// ending before beforeMessageID when set.
func (c *Client) GetMessages(ctx context.Context, conversationID string, pageSize int, beforeMessageID string) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if beforeMessageID != "" {
		q.Set("before", beforeMessageID)
	}
	var dtos []messageDTO
	path := "/chat/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, "get_messages", path, q, &dtos); err != nil {
		return nil, err
	}
	msgs := make([]*model.Message, 0, len(dtos))
	for i := range dtos {
		msgs = append(msgs, dtos[i].toModel())
	}
	return msgs, nil
}

// CreateDirectConversation creates (or returns the existing) one-to-one
// conversation with the recipient.
func (c *Client) CreateDirectConversation(ctx context.Context, recipientID string) (*model.Conversation, error) {
	var dto conversationDTO
	body := map[string]string{"recipientId": recipientID}
	if err := c.post(ctx, "create_direct", "/chat/direct", body, &dto); err != nil {
		return nil, err
	}
	return dto.toModel(), nil
}

// CreateGroupConversation creates a multi-party conversation linked to an
// external entity (job or guild).
func (c *Client) CreateGroupConversation(ctx context.Context, relatedEntityID string, participantIDs []string) (*model.Conversation, error) {
	var dto conversationDTO
	body := map[string]any{
		"relatedEntityId": relatedEntityID,
		"participantIds":  participantIDs,
	}
	if err := c.post(ctx, "create_group", "/chat/group", body, &dto); err != nil {
		return nil, err
	}
	return dto.toModel(), nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Op: op, Status: resp.StatusCode, Detail: string(detail)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (d *conversationDTO) toModel() *model.Conversation {
	conv := &model.Conversation{
		ID:           d.ID,
		Participants: d.Participants,
		JobID:        d.JobID,
		GuildID:      d.GuildID,
		UnreadCount:  d.UnreadCount,
		Active:       d.IsActive,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.LastMessage != nil {
		conv.LastMessage = &model.LastMessage{
			Body:     d.LastMessage.Text,
			SenderID: d.LastMessage.SenderID,
			SentAt:   d.LastMessage.Timestamp,
		}
	}
	return conv
}

func (d *messageDTO) toModel() *model.Message {
	msg := &model.Message{
		LocalID:        d.ID,
		ServerID:       d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		Kind:           model.Kind(d.Kind),
		Attachments:    d.Attachments,
		State:          model.StateSent,
		CreatedAt:      d.CreatedAt,
	}
	for _, r := range d.ReadBy {
		msg.MarkReadBy(r)
	}
	return msg
}
