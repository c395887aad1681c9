// Package board defines the kardbrd domain types and the client contract the
// rest of the agent is written against. The transport that delivers events and
// the HTTP client that mutates cards are external collaborators; this package
// pins down their shapes so the matcher, dispatcher, and merge engine can be
// tested against fakes.
package board

import "time"

// Event type constants. These mirror the server's WebSocket event names;
// rules reference them verbatim.
const (
	EventCardCreated       = "card_created"
	EventCardMoved         = "card_moved"
	EventCardArchived      = "card_archived"
	EventCardUnarchived    = "card_unarchived"
	EventCardDeleted       = "card_deleted"
	EventCommentCreated    = "comment_created"
	EventCommentDeleted    = "comment_deleted"
	EventReactionAdded     = "reaction_added"
	EventChecklistCreated  = "checklist_created"
	EventChecklistDeleted  = "checklist_deleted"
	EventTodoItemCreated   = "todo_item_created"
	EventTodoItemCompleted = "todo_item_completed"
	EventTodoItemReopened  = "todo_item_reopened"
	EventTodoItemDeleted   = "todo_item_deleted"
	EventTodoItemAssigned  = "todo_item_assigned"
	EventTodoItemUnassign  = "todo_item_unassigned"
	EventAttachmentCreated = "attachment_created"
	EventAttachmentDeleted = "attachment_deleted"
	EventCardLinkCreated   = "card_link_created"
	EventCardLinkDeleted   = "card_link_deleted"
	EventLabelAdded        = "label_added"
	EventLabelRemoved      = "label_removed"
	EventListCreated       = "list_created"
	EventListDeleted       = "list_deleted"
)

// KnownEvents is the set of event names the server can emit. Used for rule
// validation only; matching compares names directly.
var KnownEvents = map[string]bool{
	EventCardCreated:       true,
	EventCardMoved:         true,
	EventCardArchived:      true,
	EventCardUnarchived:    true,
	EventCardDeleted:       true,
	EventCommentCreated:    true,
	EventCommentDeleted:    true,
	EventReactionAdded:     true,
	EventChecklistCreated:  true,
	EventChecklistDeleted:  true,
	EventTodoItemCreated:   true,
	EventTodoItemCompleted: true,
	EventTodoItemReopened:  true,
	EventTodoItemDeleted:   true,
	EventTodoItemAssigned:  true,
	EventTodoItemUnassign:  true,
	EventAttachmentCreated: true,
	EventAttachmentDeleted: true,
	EventCardLinkCreated:   true,
	EventCardLinkDeleted:   true,
	EventLabelAdded:        true,
	EventLabelRemoved:      true,
	EventListCreated:       true,
	EventListDeleted:       true,
}

// Event is one typed message from the board transport. The transport delivers
// a flat payload; which fields are populated depends on Type. Events are
// immutable once received.
type Event struct {
	Type       string   `json:"event_type"`
	CardID     string   `json:"card_id,omitempty"`
	CardTitle  string   `json:"card_title,omitempty"`
	CommentID  string   `json:"comment_id,omitempty"`
	ListName   string   `json:"list_name,omitempty"`
	LabelName  string   `json:"label_name,omitempty"`
	Emoji      string   `json:"emoji,omitempty"`
	Content    string   `json:"content,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	UserName   string   `json:"user_name,omitempty"`
	AuthorName string   `json:"author_name,omitempty"`
	CardLabels []string `json:"card_labels,omitempty"`
}

// Comment is a single card comment.
type Comment struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Author    Author            `json:"author"`
	CreatedAt time.Time         `json:"created_at"`
	Reactions map[string]int    `json:"reactions,omitempty"`
	Extra     map[string]string `json:"-"`
}

// Author identifies who wrote a comment.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
}

// Card is a board work item. Identity is the public ID; everything else is
// mutated externally and read-only to the agent except via the Client.
type Card struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	ListName string    `json:"list_name"`
	Labels   []Label   `json:"labels,omitempty"`
	Body     string    `json:"description,omitempty"`
	Assignee *Author   `json:"assignee,omitempty"`
	Comments []Comment `json:"comments,omitempty"`
}

// Label is a card label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// List is one column on a board.
type List struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Cards []Card `json:"cards,omitempty"`
}

// Board is the full board snapshot returned by GetBoard.
type Board struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Lists []List `json:"lists"`
}

// Stream delivers board events in arrival order. The production transport
// reconnects on its own; consumers must not assume a dropped connection means
// lost events were replayed. The channel is closed when the stream shuts down
// for good.
type Stream interface {
	Events() <-chan Event
}
