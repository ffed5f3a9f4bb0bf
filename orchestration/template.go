package orchestration

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flowplane/flowplane/core"
)

// TemplateStep is one declarative node of a template. DependsOn names
// other steps of the same template by their Name.
type TemplateStep struct {
	Name       string                 `yaml:"name" json:"name"`
	Capability string                 `yaml:"capability" json:"capability"`
	Endpoint   string                 `yaml:"endpoint" json:"endpoint"`
	Parameters map[string]interface{} `yaml:"parameters" json:"parameters"`
	DependsOn  []string               `yaml:"depends_on" json:"depends_on,omitempty"`
	Priority   int                    `yaml:"priority" json:"priority,omitempty"`
}

// Template is pure data consumed by the expander. Parameter values may
// reference submission parameters as {{params.x}} and prior step results
// as {{stepName.path.to.field}}.
type Template struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	// Required lists submission parameters that must be present.
	Required []string       `yaml:"required_params" json:"required_params,omitempty"`
	Steps    []TemplateStep `yaml:"steps" json:"steps"`
}

func (t *Template) validate() error {
	if t.Name == "" {
		return &core.OpError{Op: "template.validate", Kind: "validation",
			Message: "template name is required", Err: core.ErrValidation}
	}
	seen := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.Name == "" || s.Capability == "" || s.Endpoint == "" {
			return &core.OpError{Op: "template.validate", Kind: "validation", ID: t.Name,
				Message: fmt.Sprintf("step %q needs name, capability and endpoint", s.Name),
				Err:     core.ErrValidation}
		}
		if seen[s.Name] {
			return &core.OpError{Op: "template.validate", Kind: "validation", ID: t.Name,
				Message: fmt.Sprintf("duplicate step name %q", s.Name), Err: core.ErrValidation}
		}
		seen[s.Name] = true
	}
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &core.OpError{Op: "template.validate", Kind: "validation", ID: t.Name,
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep),
					Err:     core.ErrValidation}
			}
		}
	}
	return nil
}

// TemplateRegistry holds the named templates available for submission.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    core.Logger
}

// NewTemplateRegistry creates a registry preloaded with the builtin
// templates.
func NewTemplateRegistry(logger core.Logger) *TemplateRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &TemplateRegistry{
		templates: make(map[string]*Template),
		logger:    logger,
	}
	for _, t := range builtinTemplates() {
		r.templates[t.Name] = t
	}
	return r
}

// Register adds or replaces a template.
func (r *TemplateRegistry) Register(t *Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.templates[t.Name] = t
	r.mu.Unlock()
	r.logger.Info("Template registered", map[string]interface{}{
		"operation": "template_register",
		"template":  t.Name,
		"steps":     len(t.Steps),
	})
	return nil
}

// Get returns the named template.
func (r *TemplateRegistry) Get(name string) (*Template, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.OpError{Op: "template.Get", Kind: "validation", ID: name,
			Err: core.ErrUnknownTemplate}
	}
	return t, nil
}

// Names lists registered template names, sorted.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile registers a template from a YAML file.
func (r *TemplateRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &core.OpError{Op: "template.LoadFile", Kind: "validation", ID: path,
			Message: err.Error(), Err: core.ErrValidation}
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return &core.OpError{Op: "template.LoadFile", Kind: "validation", ID: path,
			Message: fmt.Sprintf("parsing template: %v", err), Err: core.ErrValidation}
	}
	return r.Register(&t)
}

// LoadDir registers every .yaml/.yml template under a directory. Files
// that fail to parse abort the load.
func (r *TemplateRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &core.OpError{Op: "template.LoadDir", Kind: "validation", ID: dir,
			Message: err.Error(), Err: core.ErrValidation}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// builtinTemplates returns the two reference campaigns shipped with the
// plane.
func builtinTemplates() []*Template {
	return []*Template{
		{
			Name:        "blog_post_campaign",
			Description: "Generate a blog post, derive keywords and artwork, then draft a social post",
			Required:    []string{"topic", "target_audience", "tone", "image_style"},
			Steps: []TemplateStep{
				{
					Name:       "generate_content",
					Capability: "content",
					Endpoint:   "/api/capabilities/generate",
					Parameters: map[string]interface{}{
						"topic":           "{{params.topic}}",
						"target_audience": "{{params.target_audience}}",
						"tone":            "{{params.tone}}",
					},
				},
				{
					Name:       "extract_keywords",
					Capability: "text-analysis",
					Endpoint:   "/api/capabilities/keywords",
					Parameters: map[string]interface{}{
						"text": "{{generate_content.content}}",
					},
					DependsOn: []string{"generate_content"},
				},
				{
					Name:       "generate_image",
					Capability: "image",
					Endpoint:   "/api/capabilities/generate",
					Parameters: map[string]interface{}{
						"prompt": "{{generate_content.content}}",
						"style":  "{{params.image_style}}",
					},
					DependsOn: []string{"generate_content"},
				},
				{
					Name:       "social_post",
					Capability: "content",
					Endpoint:   "/api/capabilities/social",
					Parameters: map[string]interface{}{
						"content":  "{{generate_content.content}}",
						"keywords": "{{extract_keywords.keywords}}",
						"audience": "{{params.target_audience}}",
					},
					DependsOn: []string{"generate_content", "extract_keywords"},
				},
			},
		},
		{
			Name:        "content_analysis",
			Description: "Sentiment and keyword analysis of a text with a combined summary",
			Required:    []string{"text"},
			Steps: []TemplateStep{
				{
					Name:       "analyze_sentiment",
					Capability: "text-analysis",
					Endpoint:   "/api/capabilities/sentiment",
					Parameters: map[string]interface{}{
						"text": "{{params.text}}",
					},
				},
				{
					Name:       "extract_keywords",
					Capability: "text-analysis",
					Endpoint:   "/api/capabilities/keywords",
					Parameters: map[string]interface{}{
						"text": "{{params.text}}",
					},
				},
				{
					Name:       "summarize",
					Capability: "content",
					Endpoint:   "/api/capabilities/summarize",
					Parameters: map[string]interface{}{
						"text":      "{{params.text}}",
						"sentiment": "{{analyze_sentiment.sentiment}}",
						"keywords":  "{{extract_keywords.keywords}}",
					},
					DependsOn: []string{"analyze_sentiment", "extract_keywords"},
				},
			},
		},
	}
}
