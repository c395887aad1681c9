package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the parsed kardbrd.yml: board identity plus the rule and
// schedule lists.
type Document struct {
	BoardID   string     `yaml:"board_id"`
	Agent     string     `yaml:"agent"`
	APIURL    string     `yaml:"api_url,omitempty"`
	Rules     []Rule     `yaml:"-"`
	Schedules []Schedule `yaml:"schedules,omitempty"`
}

// rawDocument mirrors the YAML shape before rule normalization. The "event"
// field accepts a string ("a, b") or a list, so rules decode in two steps.
type rawDocument struct {
	BoardID   string     `yaml:"board_id"`
	Agent     string     `yaml:"agent"`
	APIURL    string     `yaml:"api_url"`
	Rules     []rawRule  `yaml:"rules"`
	Schedules []rawEntry `yaml:"schedules"`
}

type rawRule map[string]any

type rawEntry map[string]any

// Parse decodes and normalizes a kardbrd.yml document. It returns the first
// error encountered; use Validate for exhaustive diagnostics.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	doc := &Document{
		BoardID: raw.BoardID,
		Agent:   raw.Agent,
		APIURL:  raw.APIURL,
	}

	for i, entry := range raw.Rules {
		rule, err := parseRule(i, entry)
		if err != nil {
			return nil, err
		}
		doc.Rules = append(doc.Rules, rule)
	}

	for i, entry := range raw.Schedules {
		sched, err := parseSchedule(i, entry)
		if err != nil {
			return nil, err
		}
		doc.Schedules = append(doc.Schedules, sched)
	}

	return doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

func parseRule(i int, entry rawRule) (Rule, error) {
	name := stringField(entry, "name")
	if name == "" {
		return Rule{}, fmt.Errorf("rule %d is missing 'name'", i)
	}

	events, err := parseEvents(entry["event"])
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	if len(events) == 0 {
		return Rule{}, fmt.Errorf("rule %q is missing 'event'", name)
	}

	action := stringField(entry, "action")
	if action == "" {
		return Rule{}, fmt.Errorf("rule %q is missing 'action'", name)
	}

	return Rule{
		Name:            name,
		Events:          events,
		Action:          action,
		Model:           stringField(entry, "model"),
		List:            stringField(entry, "list"),
		Title:           stringField(entry, "title"),
		Label:           stringField(entry, "label"),
		ContentContains: stringField(entry, "content_contains"),
		ExcludeLabel:    stringField(entry, "exclude_label"),
		RequireLabel:    stringField(entry, "require_label"),
		Emoji:           stringField(entry, "emoji"),
		RequireUser:     stringField(entry, "require_user"),
	}, nil
}

func parseSchedule(i int, entry rawEntry) (Schedule, error) {
	name := stringField(entry, "name")
	if name == "" {
		return Schedule{}, fmt.Errorf("schedule %d is missing 'name'", i)
	}
	cron := stringField(entry, "cron")
	if cron == "" {
		return Schedule{}, fmt.Errorf("schedule %q is missing 'cron'", name)
	}
	action := stringField(entry, "action")
	if action == "" {
		return Schedule{}, fmt.Errorf("schedule %q is missing 'action'", name)
	}
	return Schedule{
		Name:     name,
		Cron:     cron,
		Action:   action,
		Model:    stringField(entry, "model"),
		Assignee: stringField(entry, "assignee"),
		List:     stringField(entry, "list"),
	}, nil
}

// parseEvents accepts a YAML list or a comma-separated string.
func parseEvents(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		var events []string
		for _, e := range strings.Split(val, ",") {
			events = append(events, strings.TrimSpace(e))
		}
		return events, nil
	case []any:
		var events []string
		for _, e := range val {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("'event' list entries must be strings, got %T", e)
			}
			events = append(events, strings.TrimSpace(s))
		}
		return events, nil
	default:
		return nil, fmt.Errorf("'event' must be a string or list, got %T", v)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
