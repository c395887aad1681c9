package board

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
)

// Client is the board API surface the agent needs. Production is HTTPClient;
// tests inject fakes.
type Client interface {
	GetCard(ctx context.Context, cardID string) (*Card, error)
	// GetCardMarkdown returns the full card rendered as markdown, the form
	// the agent prompt embeds.
	GetCardMarkdown(ctx context.Context, cardID string) (string, error)
	GetComment(ctx context.Context, cardID, commentID string) (*Comment, error)
	GetBoard(ctx context.Context, boardID string) (*Board, error)
	AddComment(ctx context.Context, cardID, content string) error
	// ToggleReaction adds the emoji if absent and removes it if present.
	ToggleReaction(ctx context.Context, cardID, commentID, emoji string) error
	CreateCard(ctx context.Context, boardID, listID, title string) (*Card, error)
	UpdateCard(ctx context.Context, cardID string, fields map[string]any) error
}

// HTTPClient talks to the kardbrd REST API with a bot token.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the API at baseURL authenticating with
// the given bot token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close after read

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// GetCard fetches a card with its comments and labels.
func (c *HTTPClient) GetCard(ctx context.Context, cardID string) (*Card, error) {
	var card Card
	if err := c.do(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(cardID), nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// GetCardMarkdown fetches the card rendered as markdown.
func (c *HTTPClient) GetCardMarkdown(ctx context.Context, cardID string) (string, error) {
	var out struct {
		Markdown string `json:"markdown"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(cardID)+"/markdown", nil, &out); err != nil {
		return "", err
	}
	return out.Markdown, nil
}

// GetComment fetches a single comment on a card.
func (c *HTTPClient) GetComment(ctx context.Context, cardID, commentID string) (*Comment, error) {
	var comment Comment
	path := "/api/cards/" + url.PathEscape(cardID) + "/comments/" + url.PathEscape(commentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// GetBoard fetches the full board with lists and cards.
func (c *HTTPClient) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	var b Board
	if err := c.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(boardID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddComment posts a markdown comment on a card.
func (c *HTTPClient) AddComment(ctx context.Context, cardID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPost, "/api/cards/"+url.PathEscape(cardID)+"/comments", body, nil)
}

// ToggleReaction toggles an emoji reaction on a comment.
func (c *HTTPClient) ToggleReaction(ctx context.Context, cardID, commentID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	path := "/api/cards/" + url.PathEscape(cardID) + "/comments/" + url.PathEscape(commentID) + "/reactions"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// CreateCard creates a card in the given list.
func (c *HTTPClient) CreateCard(ctx context.Context, boardID, listID, title string) (*Card, error) {
	body := map[string]string{"board_id": boardID, "list_id": listID, "title": title}
	var card Card
	if err := c.do(ctx, http.MethodPost, "/api/cards", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// UpdateCard patches card fields (title, description, assignee_id, list_id).
func (c *HTTPClient) UpdateCard(ctx context.Context, cardID string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/api/cards/"+url.PathEscape(cardID), fields, nil)
}
