// Package mcp is the stdio proxy that gives a coding-agent CLI access to the
// board. The CLI spawns `kardagent mcp` as an MCP server and calls tools like
// add_comment; each call is translated into a board API request using the
// bot's credentials, so the agent never handles the token itself.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"kardagent/pkg/board"
)

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes used by the server.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// toolDef is one exposed tool: its wire schema plus the handler that proxies
// the call to the board client.
type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	handle func(ctx context.Context, s *Server, args map[string]any) (string, error)
}

// Server answers MCP requests over newline-delimited JSON-RPC on stdio.
type Server struct {
	client  board.Client
	version string
	tools   []toolDef
}

// NewServer returns a Server proxying tool calls to client. version is
// reported in the initialize handshake.
func NewServer(client board.Client, version string) *Server {
	return &Server{client: client, version: version, tools: boardTools()}
}

// Run reads requests from r until EOF or ctx cancellation, writing one JSON
// response per line to w. Notifications get no response.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	// Card markdown can be large; allow oversized frames.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: err.Error()}}); werr != nil {
				return werr
			}
			continue
		}

		resp := s.handle(ctx, &req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handle dispatches one request. A nil return means no response is due (the
// request was a notification).
func (s *Server) handle(ctx context.Context, req *request) *response {
	isNotification := len(req.ID) == 0

	var result any
	var rerr *rpcError
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "kardbrd", "version": s.version},
		}
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = map[string]any{"tools": s.tools}
	case "tools/call":
		result, rerr = s.callTool(ctx, req.Params)
	default:
		rerr = &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}

	if isNotification {
		return nil
	}
	return &response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rerr}
}

// callTool runs the named tool. Tool execution failures are reported in-band
// with isError per the protocol; only malformed requests become RPC errors.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	for i := range s.tools {
		if s.tools[i].Name != call.Name {
			continue
		}
		text, err := s.tools[i].handle(ctx, s, call.Arguments)
		if err != nil {
			return toolText(err.Error(), true), nil
		}
		return toolText(text, false), nil
	}
	return nil, &rpcError{Code: codeInvalidParams, Message: "unknown tool " + call.Name}
}

func toolText(text string, isErr bool) map[string]any {
	out := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	if isErr {
		out["isError"] = true
	}
	return out
}

// strArg extracts a required string argument.
func strArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

// asJSON renders a board object for the agent.
func asJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// boardTools is the tool surface, one per board client operation.
func boardTools() []toolDef {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	schema := func(required []string, props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": required}
	}

	return []toolDef{
		{
			Name:        "get_card",
			Description: "Fetch a card with its comments, labels, and assignees.",
			InputSchema: schema([]string{"card_id"}, map[string]any{
				"card_id": str("Card ID"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				id, err := strArg(args, "card_id")
				if err != nil {
					return "", err
				}
				card, err := s.client.GetCard(ctx, id)
				if err != nil {
					return "", err
				}
				return asJSON(card)
			},
		},
		{
			Name:        "get_card_markdown",
			Description: "Fetch a card rendered as markdown, including description and comments.",
			InputSchema: schema([]string{"card_id"}, map[string]any{
				"card_id": str("Card ID"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				id, err := strArg(args, "card_id")
				if err != nil {
					return "", err
				}
				return s.client.GetCardMarkdown(ctx, id)
			},
		},
		{
			Name:        "get_board",
			Description: "Fetch a board with its lists and cards.",
			InputSchema: schema([]string{"board_id"}, map[string]any{
				"board_id": str("Board ID"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				id, err := strArg(args, "board_id")
				if err != nil {
					return "", err
				}
				b, err := s.client.GetBoard(ctx, id)
				if err != nil {
					return "", err
				}
				return asJSON(b)
			},
		},
		{
			Name:        "get_comment",
			Description: "Fetch a single comment on a card.",
			InputSchema: schema([]string{"card_id", "comment_id"}, map[string]any{
				"card_id":    str("Card ID"),
				"comment_id": str("Comment ID"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				cardID, err := strArg(args, "card_id")
				if err != nil {
					return "", err
				}
				commentID, err := strArg(args, "comment_id")
				if err != nil {
					return "", err
				}
				c, err := s.client.GetComment(ctx, cardID, commentID)
				if err != nil {
					return "", err
				}
				return asJSON(c)
			},
		},
		{
			Name:        "add_comment",
			Description: "Post a markdown comment on a card. This is how the agent reports results.",
			InputSchema: schema([]string{"card_id", "content"}, map[string]any{
				"card_id": str("Card ID"),
				"content": str("Comment body, markdown supported"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				cardID, err := strArg(args, "card_id")
				if err != nil {
					return "", err
				}
				content, err := strArg(args, "content")
				if err != nil {
					return "", err
				}
				if err := s.client.AddComment(ctx, cardID, content); err != nil {
					return "", err
				}
				return "comment posted", nil
			},
		},
		{
			Name:        "toggle_reaction",
			Description: "Add an emoji reaction to a comment, or remove it if already present.",
			InputSchema: schema([]string{"card_id", "comment_id", "emoji"}, map[string]any{
				"card_id":    str("Card ID"),
				"comment_id": str("Comment ID"),
				"emoji":      str("Emoji character"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				cardID, err := strArg(args, "card_id")
				if err != nil {
					return "", err
				}
				commentID, err := strArg(args, "comment_id")
				if err != nil {
					return "", err
				}
				emoji, err := strArg(args, "emoji")
				if err != nil {
					return "", err
				}
				if err := s.client.ToggleReaction(ctx, cardID, commentID, emoji); err != nil {
					return "", err
				}
				return "reaction toggled", nil
			},
		},
		{
			Name:        "create_card",
			Description: "Create a card in a list.",
			InputSchema: schema([]string{"board_id", "list_id", "title"}, map[string]any{
				"board_id": str("Board ID"),
				"list_id":  str("List ID"),
				"title":    str("Card title"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				boardID, err := strArg(args, "board_id")
				if err != nil {
					return "", err
				}
				listID, err := strArg(args, "list_id")
				if err != nil {
					return "", err
				}
				title, err := strArg(args, "title")
				if err != nil {
					return "", err
				}
				card, err := s.client.CreateCard(ctx, boardID, listID, title)
				if err != nil {
					return "", err
				}
				return asJSON(card)
			},
		},
		{
			Name:        "update_card",
			Description: "Update a card's title, description, or list.",
			InputSchema: schema([]string{"card_id"}, map[string]any{
				"card_id":     str("Card ID"),
				"title":       str("New title"),
				"description": str("New description"),
				"list_id":     str("Move the card to this list"),
			}),
			handle: func(ctx context.Context, s *Server, args map[string]any) (string, error) {
				cardID, err := strArg(args, "card_id")
				if err != nil {
					return "", err
				}
				fields := map[string]any{}
				for _, key := range []string{"title", "description", "list_id"} {
					if v, ok := args[key].(string); ok && v != "" {
						fields[key] = v
					}
				}
				if len(fields) == 0 {
					return "", fmt.Errorf("update_card needs at least one of title, description, list_id")
				}
				if err := s.client.UpdateCard(ctx, cardID, fields); err != nil {
					return "", err
				}
				return "card updated", nil
			},
		},
	}
}
