package orchestration

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowplane/flowplane/core"
)

// placeholderPattern matches {{reference}} occurrences inside parameter
// strings. References are dotted paths; the first segment is either
// "params" or a step name.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_][a-zA-Z0-9_.\-]*)\s*\}\}`)

// Expander turns a template plus submission parameters into a concrete
// workflow. Submission-parameter placeholders are substituted here;
// step-result placeholders stay in place for the resolver.
type Expander struct {
	templates *TemplateRegistry
	logger    core.Logger
}

// NewExpander creates an expander over a template registry.
func NewExpander(templates *TemplateRegistry, logger core.Logger) *Expander {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Expander{templates: templates, logger: logger}
}

// Expand materializes a workflow: fresh step IDs, dependency names mapped
// to IDs, user parameters substituted, edge structure validated.
func (e *Expander) Expand(templateName string, params map[string]interface{}, opts Options) (*Workflow, error) {
	tmpl, err := e.templates.Get(templateName)
	if err != nil {
		return nil, err
	}

	for _, req := range tmpl.Required {
		if _, ok := params[req]; !ok {
			return nil, &core.OpError{Op: "expander.Expand", Kind: "validation", ID: templateName,
				Message: fmt.Sprintf("missing required parameter %q", req),
				Err:     core.ErrValidation}
		}
	}

	idByName := make(map[string]string, len(tmpl.Steps))
	for _, ts := range tmpl.Steps {
		idByName[ts.Name] = uuid.New().String()
	}

	now := time.Now()
	steps := make([]*Step, 0, len(tmpl.Steps))
	for _, ts := range tmpl.Steps {
		resolved, err := substituteParams(ts.Parameters, params)
		if err != nil {
			return nil, &core.OpError{Op: "expander.Expand", Kind: "validation", ID: templateName,
				Message: fmt.Sprintf("step %q: %v", ts.Name, err), Err: core.ErrValidation}
		}
		deps := make([]string, len(ts.DependsOn))
		for i, name := range ts.DependsOn {
			deps[i] = idByName[name]
		}
		steps = append(steps, &Step{
			ID:         idByName[ts.Name],
			Name:       ts.Name,
			Capability: ts.Capability,
			Endpoint:   ts.Endpoint,
			Parameters: resolved,
			DependsOn:  deps,
			Priority:   ts.Priority,
			State:      StepPending,
		})
	}

	// Build once to validate edges and cycles; the orchestrator rebuilds
	// its own index from the same steps.
	if _, err := newDAG(steps); err != nil {
		return nil, err
	}

	wf := &Workflow{
		ID:        uuid.New().String(),
		Template:  templateName,
		State:     WorkflowQueued,
		Steps:     steps,
		Params:    deepCopyMap(params),
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.logger.Info("Workflow expanded", map[string]interface{}{
		"operation":   "expand",
		"workflow_id": wf.ID,
		"template":    templateName,
		"steps":       len(steps),
	})
	return wf, nil
}

// substituteParams walks a parameter tree replacing {{params.x}}
// references with submission values. Step references pass through
// untouched. A whole-string match substitutes the raw JSON value; an
// embedded match substitutes its string form.
func substituteParams(tree map[string]interface{}, params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(tree))
	for k, v := range tree {
		sub, err := substituteValue(v, params)
		if err != nil {
			return nil, err
		}
		out[k] = sub
	}
	return out, nil
}

func substituteValue(v interface{}, params map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return substituteString(t, params)
	case map[string]interface{}:
		return substituteParams(t, params)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			sub, err := substituteValue(e, params)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, params map[string]interface{}) (interface{}, error) {
	// Whole-string reference keeps the parameter's JSON type.
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		ref := m[1]
		if name, ok := strings.CutPrefix(ref, "params."); ok {
			val, found := params[name]
			if !found {
				return nil, fmt.Errorf("unknown parameter reference %q", ref)
			}
			return val, nil
		}
		return s, nil
	}

	var substErr error
	replaced := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := placeholderPattern.FindStringSubmatch(match)[1]
		name, ok := strings.CutPrefix(ref, "params.")
		if !ok {
			return match // step reference, resolved later
		}
		val, found := params[name]
		if !found {
			substErr = fmt.Errorf("unknown parameter reference %q", ref)
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if substErr != nil {
		return nil, substErr
	}
	return replaced, nil
}
