package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"kardagent/pkg/board"
)

// Severity classifies a validation issue.
type Severity string

// Issue severities. Errors block publication of a candidate document;
// warnings are surfaced but don't.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single problem found while validating a document.
type Issue struct {
	Severity Severity
	Entry    string // rule or schedule name, or "rule 3" when unnamed; empty for file-level issues
	Message  string
}

func (i Issue) String() string {
	prefix := strings.ToUpper(string(i.Severity))
	if i.Entry != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, i.Entry, i.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, i.Message)
}

// Result collects every issue found in one validation pass.
type Result struct {
	Issues []Issue
}

// Errors returns the error-severity issues.
func (r *Result) Errors() []Issue { return r.filter(SeverityError) }

// Warnings returns the warning-severity issues.
func (r *Result) Warnings() []Issue { return r.filter(SeverityWarning) }

// Valid reports whether the document may be published (warnings are OK).
func (r *Result) Valid() bool { return len(r.Errors()) == 0 }

func (r *Result) filter(sev Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

func (r *Result) errorf(entry, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{SeverityError, entry, fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(entry, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{SeverityWarning, entry, fmt.Sprintf(format, args...)})
}

// knownRuleFields are the accepted keys in a rule entry; anything else is a
// warning (usually a typo).
var knownRuleFields = map[string]bool{
	"name": true, "event": true, "action": true, "model": true,
	"list": true, "title": true, "label": true, "content_contains": true,
	"exclude_label": true, "require_label": true, "emoji": true, "require_user": true,
}

var knownScheduleFields = map[string]bool{
	"name": true, "cron": true, "action": true, "model": true,
	"assignee": true, "list": true,
}

// cronParser accepts standard five-field expressions, matching what the board
// document promises operators.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateFile validates the document at path, collecting every error and
// warning rather than stopping at the first.
func ValidateFile(path string) *Result {
	res := &Result{}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		res.errorf("", "cannot read file: %v", err)
		return res
	}
	return Validate(data)
}

// Validate validates raw document bytes.
func Validate(data []byte) *Result {
	res := &Result{}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		res.errorf("", "invalid YAML syntax: %v", err)
		return res
	}

	if strings.TrimSpace(raw.BoardID) == "" {
		res.errorf("", "missing required field 'board_id'")
	}
	if strings.TrimSpace(raw.Agent) == "" {
		res.errorf("", "missing required field 'agent'")
	}

	for i, entry := range raw.Rules {
		validateRule(res, i, entry)
	}
	for i, entry := range raw.Schedules {
		validateSchedule(res, i, entry)
	}

	return res
}

func validateRule(res *Result, i int, entry rawRule) {
	name := stringField(entry, "name")
	label := name
	if label == "" {
		label = fmt.Sprintf("rule %d", i)
		res.errorf(label, "missing required field 'name'")
	} else {
		label = fmt.Sprintf("rule %q", name)
	}

	if entry["event"] == nil {
		res.errorf(label, "missing required field 'event'")
	} else {
		events, err := parseEvents(entry["event"])
		if err != nil {
			res.errorf(label, "%v", err)
		}
		for _, ev := range events {
			if ev == "" {
				res.errorf(label, "empty event name (trailing or double comma in event list)")
			} else if !board.KnownEvents[ev] {
				res.warnf(label, "unknown event %q", ev)
			}
		}
	}

	if action, ok := entry["action"]; !ok || action == nil {
		res.errorf(label, "missing required field 'action'")
	} else if _, isStr := action.(string); !isStr {
		res.errorf(label, "'action' must be a string, got %T", action)
	}

	validateModel(res, label, entry["model"])
	warnUnknownFields(res, label, entry, knownRuleFields)
}

func validateSchedule(res *Result, i int, entry rawEntry) {
	name := stringField(entry, "name")
	label := name
	if label == "" {
		label = fmt.Sprintf("schedule %d", i)
		res.errorf(label, "missing required field 'name'")
	} else {
		label = fmt.Sprintf("schedule %q", name)
	}

	expr := stringField(entry, "cron")
	switch {
	case expr == "":
		res.errorf(label, "missing required field 'cron'")
	default:
		if _, err := cronParser.Parse(expr); err != nil {
			res.errorf(label, "invalid cron expression %q: %v", expr, err)
		}
	}

	if stringField(entry, "action") == "" {
		res.errorf(label, "missing required field 'action'")
	}

	validateModel(res, label, entry["model"])
	warnUnknownFields(res, label, entry, knownScheduleFields)
}

func validateModel(res *Result, label string, v any) {
	if v == nil {
		return
	}
	model, ok := v.(string)
	if !ok {
		res.errorf(label, "'model' must be a string, got %T", v)
		return
	}
	if _, known := ModelMap[strings.ToLower(model)]; !known {
		names := make([]string, 0, len(ModelMap))
		for n := range ModelMap {
			names = append(names, n)
		}
		sort.Strings(names)
		res.warnf(label, "unknown model %q, expected one of: %s", model, strings.Join(names, ", "))
	}
}

func warnUnknownFields(res *Result, label string, entry map[string]any, known map[string]bool) {
	var unknown []string
	for k := range entry {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		res.warnf(label, "unknown field(s): %s", strings.Join(unknown, ", "))
	}
}
