package pipeline

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/agentvault/internal/model"
)

var frontMatterDelim = []byte("---")

type frontMatter struct {
	Action    string            `yaml:"action"`
	Sensitive *bool             `yaml:"sensitive"`
	Args      map[string]string `yaml:"args"`
	Objective string            `yaml:"objective"`
	Steps     []string          `yaml:"steps"`
}

// PlanOptions are the planning defaults.
type PlanOptions struct {
	// DefaultAction is used when the task doesn't set one.
	DefaultAction string
	// SensitiveActions always require approval.
	SensitiveActions []string
}

// ParsePlan derives the plan of a task from its content. The task can start with a
// YAML front matter block with the action, its arguments and if it's sensitive:
//
//	---
//	action: email_send
//	sensitive: true
//	args:
//	  to: client@example.com
//	---
func ParsePlan(task string, content []byte, opts PlanOptions, now time.Time) (model.Plan, error) {
	fm, body, err := splitFrontMatter(content)
	if err != nil {
		return model.Plan{}, fmt.Errorf("task %s: %w", task, err)
	}

	plan := model.Plan{
		Task:      task,
		Action:    fm.Action,
		Args:      fm.Args,
		Objective: fm.Objective,
		Steps:     fm.Steps,
		CreatedAt: now.UTC(),
	}
	if plan.Action == "" {
		plan.Action = opts.DefaultAction
	}
	if plan.Action == "" {
		return model.Plan{}, fmt.Errorf("task %s has no action and there is no default action: %w", task, model.ErrNotValid)
	}

	plan.Sensitive = slices.Contains(opts.SensitiveActions, plan.Action)
	if fm.Sensitive != nil && *fm.Sensitive {
		plan.Sensitive = true
	}

	if plan.Objective == "" {
		plan.Objective = firstLine(body)
	}
	if plan.Objective == "" {
		plan.Objective = "Process " + task
	}
	if len(plan.Steps) == 0 {
		plan.Steps = defaultSteps(plan)
	}

	return plan, nil
}

func splitFrontMatter(content []byte) (frontMatter, []byte, error) {
	var fm frontMatter

	rest, ok := cutLine(content, frontMatterDelim)
	if !ok {
		return fm, content, nil
	}

	end := -1
	for i := 0; i < len(rest); {
		lineEnd := bytes.IndexByte(rest[i:], '\n')
		line := rest[i:]
		if lineEnd >= 0 {
			line = rest[i : i+lineEnd]
		}
		if bytes.Equal(bytes.TrimRight(line, " \t\r"), frontMatterDelim) {
			end = i
			break
		}
		if lineEnd < 0 {
			break
		}
		i += lineEnd + 1
	}
	if end < 0 {
		return fm, nil, fmt.Errorf("front matter is not closed: %w", model.ErrNotValid)
	}

	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return fm, nil, fmt.Errorf("invalid front matter: %w: %w", model.ErrNotValid, err)
	}

	body := rest[end+len(frontMatterDelim):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}

	return fm, body, nil
}

// cutLine returns the content after the first line if the line is the delimiter.
func cutLine(content, delim []byte) ([]byte, bool) {
	line, rest, found := bytes.Cut(content, []byte("\n"))
	if !found || !bytes.Equal(bytes.TrimRight(line, " \t\r"), delim) {
		return nil, false
	}
	return rest, true
}

func firstLine(body []byte) string {
	for _, l := range strings.Split(string(body), "\n") {
		l = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "#"))
		if l != "" {
			if r := []rune(l); len(r) > 120 {
				l = string(r[:120])
			}
			return l
		}
	}
	return ""
}

func defaultSteps(p model.Plan) []string {
	steps := []string{"Review the task " + p.Task}
	if p.Sensitive {
		steps = append(steps, "Request human approval")
	}
	return append(steps, "Execute "+p.Action, "Record the result")
}
