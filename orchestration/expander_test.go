package orchestration

import (
	"errors"
	"testing"

	"github.com/flowplane/flowplane/core"
)

func campaignParams() map[string]interface{} {
	return map[string]interface{}{
		"topic":           "Quantum computing",
		"target_audience": "developers",
		"tone":            "technical",
		"image_style":     "realistic",
	}
}

func newTestExpander() *Expander {
	return NewExpander(NewTemplateRegistry(nil), nil)
}

func TestExpandUnknownTemplate(t *testing.T) {
	_, err := newTestExpander().Expand("no_such_template", nil, Options{})
	if !errors.Is(err, core.ErrUnknownTemplate) {
		t.Fatalf("Expand() = %v, want ErrUnknownTemplate", err)
	}
}

func TestExpandMissingRequiredParameter(t *testing.T) {
	params := campaignParams()
	delete(params, "topic")
	_, err := newTestExpander().Expand("blog_post_campaign", params, Options{})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Expand() = %v, want ErrValidation", err)
	}
}

func TestExpandBlogPostCampaign(t *testing.T) {
	wf, err := newTestExpander().Expand("blog_post_campaign", campaignParams(), Options{})
	if err != nil {
		t.Fatalf("Expand() = %v", err)
	}

	if wf.State != WorkflowQueued {
		t.Errorf("state = %s, want Queued", wf.State)
	}
	if len(wf.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(wf.Steps))
	}

	byName := make(map[string]*Step, 4)
	seenIDs := make(map[string]bool, 4)
	for _, s := range wf.Steps {
		byName[s.Name] = s
		if s.ID == "" || seenIDs[s.ID] {
			t.Fatalf("step %q has missing or duplicate id %q", s.Name, s.ID)
		}
		seenIDs[s.ID] = true
		if s.State != StepPending {
			t.Errorf("step %q state = %s, want Pending", s.Name, s.State)
		}
	}

	// User parameters substituted at expansion.
	if got := byName["generate_content"].Parameters["topic"]; got != "Quantum computing" {
		t.Errorf("topic = %v, want substituted value", got)
	}
	if got := byName["generate_image"].Parameters["style"]; got != "realistic" {
		t.Errorf("style = %v, want substituted value", got)
	}

	// Step references stay unresolved until dispatch.
	if got := byName["extract_keywords"].Parameters["text"]; got != "{{generate_content.content}}" {
		t.Errorf("text = %v, want unresolved step reference", got)
	}

	// Dependency names were rewritten to step IDs; social_post needs
	// both generate_content and extract_keywords.
	social := byName["social_post"]
	wantDeps := map[string]bool{
		byName["generate_content"].ID: true,
		byName["extract_keywords"].ID: true,
	}
	if len(social.DependsOn) != 2 || !wantDeps[social.DependsOn[0]] || !wantDeps[social.DependsOn[1]] {
		t.Errorf("social_post deps = %v, want ids of generate_content and extract_keywords", social.DependsOn)
	}
}

func TestExpandFreshIDsPerExpansion(t *testing.T) {
	e := newTestExpander()
	wf1, err := e.Expand("content_analysis", map[string]interface{}{"text": "hello"}, Options{})
	if err != nil {
		t.Fatalf("Expand() = %v", err)
	}
	wf2, _ := e.Expand("content_analysis", map[string]interface{}{"text": "hello"}, Options{})

	if wf1.ID == wf2.ID {
		t.Error("two expansions shared a workflow id")
	}
	if wf1.Steps[0].ID == wf2.Steps[0].ID {
		t.Error("two expansions shared a step id")
	}
}

func TestExpandWholeStringKeepsType(t *testing.T) {
	reg := NewTemplateRegistry(nil)
	err := reg.Register(&Template{
		Name:     "typed",
		Required: []string{"count"},
		Steps: []TemplateStep{{
			Name:       "only",
			Capability: "content",
			Endpoint:   "/run",
			Parameters: map[string]interface{}{
				"count":   "{{params.count}}",
				"message": "processing {{params.count}} items",
			},
		}},
	})
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}

	wf, err := NewExpander(reg, nil).Expand("typed", map[string]interface{}{"count": 7}, Options{})
	if err != nil {
		t.Fatalf("Expand() = %v", err)
	}

	params := wf.Steps[0].Parameters
	if got, ok := params["count"].(int); !ok || got != 7 {
		t.Errorf("count = %v (%T), want int 7 for whole-string reference", params["count"], params["count"])
	}
	if got := params["message"]; got != "processing 7 items" {
		t.Errorf("message = %v, want embedded reference stringified", got)
	}
}

func TestExpandUnknownParamReference(t *testing.T) {
	reg := NewTemplateRegistry(nil)
	_ = reg.Register(&Template{
		Name: "broken",
		Steps: []TemplateStep{{
			Name:       "only",
			Capability: "content",
			Endpoint:   "/run",
			Parameters: map[string]interface{}{"x": "{{params.never_declared}}"},
		}},
	})

	_, err := NewExpander(reg, nil).Expand("broken", map[string]interface{}{}, Options{})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Expand() = %v, want ErrValidation for unknown parameter", err)
	}
}

func TestTemplateRegistryRejectsBadTemplates(t *testing.T) {
	reg := NewTemplateRegistry(nil)

	cases := []struct {
		name string
		tmpl *Template
	}{
		{"no name", &Template{}},
		{"dup steps", &Template{Name: "d", Steps: []TemplateStep{
			{Name: "s", Capability: "c", Endpoint: "/e"},
			{Name: "s", Capability: "c", Endpoint: "/e"},
		}}},
		{"unknown dep", &Template{Name: "u", Steps: []TemplateStep{
			{Name: "s", Capability: "c", Endpoint: "/e", DependsOn: []string{"ghost"}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := reg.Register(tc.tmpl); !errors.Is(err, core.ErrValidation) {
				t.Errorf("Register() = %v, want ErrValidation", err)
			}
		})
	}
}

func TestBuiltinTemplatesRegistered(t *testing.T) {
	names := NewTemplateRegistry(nil).Names()
	want := map[string]bool{"blog_post_campaign": true, "content_analysis": true}
	for _, n := range names {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Errorf("builtin templates missing: %v", want)
	}
}
