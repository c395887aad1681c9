// Package rules implements the kardbrd.yml automation document: declarative
// event rules, cron schedules, full-document validation, and a hot-reloadable
// snapshot engine. Matching is a pure function of (event, snapshot) so it can
// run concurrently with reloads.
package rules

import (
	"strings"

	"kardagent/pkg/board"
)

// StopAction is the reserved action keyword for deterministic stop behavior.
// A rule with this action cancels the card's active session instead of
// starting a new one.
const StopAction = "__stop__"

// ModelMap resolves short model names to CLI model identifiers.
var ModelMap = map[string]string{
	"opus":   "claude-opus-4-6",
	"sonnet": "claude-sonnet-4-5-20250929",
	"haiku":  "claude-haiku-4-5-20251001",
}

// Rule is a single automation rule: a set of AND-ed conditions plus an
// action. Rules are immutable once loaded.
type Rule struct {
	Name   string   `yaml:"name"`
	Events []string `yaml:"-"` // populated from the "event" field, string or list
	Action string   `yaml:"action"`
	Model  string   `yaml:"model,omitempty"`

	// Conditions. nil/empty means "don't care".
	List            string `yaml:"list,omitempty"`
	Title           string `yaml:"title,omitempty"`
	Label           string `yaml:"label,omitempty"`
	ContentContains string `yaml:"content_contains,omitempty"`
	ExcludeLabel    string `yaml:"exclude_label,omitempty"`
	RequireLabel    string `yaml:"require_label,omitempty"`
	Emoji           string `yaml:"emoji,omitempty"`
	RequireUser     string `yaml:"require_user,omitempty"`
}

// IsStop reports whether this rule triggers the deterministic stop action.
func (r Rule) IsStop() bool { return r.Action == StopAction }

// ModelID resolves the rule's short model name to a full CLI model ID.
// Unknown names pass through unchanged so operators can pin exact IDs.
func (r Rule) ModelID() string {
	if r.Model == "" {
		return ""
	}
	if id, ok := ModelMap[strings.ToLower(r.Model)]; ok {
		return id
	}
	return r.Model
}

// Schedule is a time-triggered synthetic rule. Name doubles as the card title
// the scheduler binds the action to.
type Schedule struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Action   string `yaml:"action"`
	Model    string `yaml:"model,omitempty"`
	Assignee string `yaml:"assignee,omitempty"`
	List     string `yaml:"list,omitempty"`
}

// ModelID resolves the schedule's short model name like Rule.ModelID.
func (s Schedule) ModelID() string {
	return Rule{Model: s.Model}.ModelID()
}

// Engine matches incoming board events against a fixed rule set. An Engine is
// an immutable snapshot; Reloader swaps whole engines atomically.
type Engine struct {
	Rules     []Rule
	Schedules []Schedule
}

// Match returns every rule that matches the event, in document order. Pure:
// the same event and snapshot always yield the same result.
func (e *Engine) Match(ev board.Event) []Rule {
	var matched []Rule
	for _, r := range e.Rules {
		if ruleMatches(r, ev) {
			matched = append(matched, r)
		}
	}
	return matched
}

func ruleMatches(r Rule, ev board.Event) bool {
	if !eventMatches(r, ev.Type) {
		return false
	}
	if r.List != "" && !strings.EqualFold(ev.ListName, r.List) {
		return false
	}
	if r.Title != "" && !strings.EqualFold(ev.CardTitle, r.Title) {
		return false
	}
	if r.Label != "" && !strings.EqualFold(ev.LabelName, r.Label) {
		return false
	}
	if r.ContentContains != "" &&
		!strings.Contains(strings.ToLower(ev.Content), strings.ToLower(r.ContentContains)) {
		return false
	}
	if r.ExcludeLabel != "" && hasLabel(ev.CardLabels, r.ExcludeLabel) {
		return false
	}
	if r.RequireLabel != "" && !hasLabel(ev.CardLabels, r.RequireLabel) {
		return false
	}
	if r.Emoji != "" && ev.Emoji != r.Emoji {
		return false
	}
	if r.RequireUser != "" && ev.UserID != r.RequireUser {
		return false
	}
	return true
}

func eventMatches(r Rule, eventType string) bool {
	for _, ev := range r.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}
