// Package prompts loads the instruction templates used to steer the tutor and fills their
// section markers with per-turn content.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/Curio/internal/models"
	"gopkg.in/yaml.v3"
)

// Section markers recognised in templates. Fill inserts content on the line after a marker.
const (
	MarkerImageContent   = "## Image Content"
	MarkerPhenomenon     = "## Scientific Phenomenon"
	MarkerKnowledge      = "## Scientific Knowledge"
	MarkerConversation   = "## Conversation History"
	MarkerLatestMessage  = "## Child's Latest Message"
	MarkerKnowledgeIndex = "## Knowledge Components"

	// KnowledgeHeading introduces the retrieved knowledge block appended to a reply instruction.
	KnowledgeHeading = "## Relevant Knowledge Component"
)

// ScienceQALevels is the number of scienceqa template levels.
const ScienceQALevels = 5

//go:embed templates.yaml
var defaultTemplates []byte

// TemplateSet holds every instruction template. It is read-only after loading.
type TemplateSet struct {
	System            string                       `yaml:"system"`
	Phases            map[models.Phase]string      `yaml:"phases"`
	ScienceQA         []string                     `yaml:"scienceqa_levels"`
	Evaluations       map[models.EvalFamily]string `yaml:"evaluations"`
	KnowledgeMatching string                       `yaml:"knowledge_matching"`
}

var (
	defaultOnce sync.Once
	defaultSet  *TemplateSet
)

// Default returns the embedded template set. It panics if the embedded file is invalid.
func Default() *TemplateSet {
	defaultOnce.Do(func() {
		ts, err := Parse(defaultTemplates)
		if err != nil {
			panic(fmt.Sprintf("prompts: invalid embedded templates: %v", err))
		}
		defaultSet = ts
	})
	return defaultSet
}

// Load reads a template set from a YAML file.
func Load(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates %s: %w", path, err)
	}
	ts, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid templates %s: %w", path, err)
	}
	return ts, nil
}

// Parse decodes and validates a template set.
func Parse(data []byte) (*TemplateSet, error) {
	var ts TemplateSet
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("failed to decode templates: %w", err)
	}
	if err := ts.validate(); err != nil {
		return nil, err
	}
	return &ts, nil
}

func (ts *TemplateSet) validate() error {
	if strings.TrimSpace(ts.System) == "" {
		return fmt.Errorf("system template is empty")
	}
	for _, p := range models.AllPhases {
		if p == models.PhaseScienceQA {
			continue
		}
		if strings.TrimSpace(ts.Phases[p]) == "" {
			return fmt.Errorf("missing template for phase %s", p)
		}
	}
	if len(ts.ScienceQA) != ScienceQALevels {
		return fmt.Errorf("expected %d scienceqa levels, got %d", ScienceQALevels, len(ts.ScienceQA))
	}
	for i, t := range ts.ScienceQA {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("scienceqa level %d is empty", i)
		}
	}
	for _, f := range []models.EvalFamily{models.EvalScaffolding, models.EvalDepth, models.EvalReflection} {
		if strings.TrimSpace(ts.Evaluations[f]) == "" {
			return fmt.Errorf("missing evaluation template %s", f)
		}
	}
	if strings.TrimSpace(ts.KnowledgeMatching) == "" {
		return fmt.Errorf("knowledge matching template is empty")
	}
	return nil
}

// ForPhase returns the reply template for a phase. In scienceqa the template is chosen by
// question level; a nil level selects level 0.
func (ts *TemplateSet) ForPhase(phase models.Phase, level *models.QuestionLevel) (string, error) {
	if phase == models.PhaseScienceQA {
		idx := 0
		if level != nil {
			idx = level.TemplateLevel()
		}
		return ts.ScienceQA[idx], nil
	}
	t, ok := ts.Phases[phase]
	if !ok {
		return "", fmt.Errorf("no template for phase %q", phase)
	}
	return t, nil
}

// Evaluation returns the classifier template of an evaluation family.
func (ts *TemplateSet) Evaluation(family models.EvalFamily) (string, error) {
	t, ok := ts.Evaluations[family]
	if !ok {
		return "", fmt.Errorf("no evaluation template for %q", family)
	}
	return t, nil
}

// Fill inserts values under their markers. A marker line is matched after trimming
// whitespace; markers absent from the template and empty values are ignored.
func Fill(template string, values map[string]string) string {
	lines := strings.Split(template, "\n")
	var b strings.Builder
	b.Grow(len(template))
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if v := values[strings.TrimSpace(line)]; v != "" {
			b.WriteByte('\n')
			b.WriteString(v)
		}
	}
	return b.String()
}

// AppendKnowledge appends the retrieved knowledge block under KnowledgeHeading. An empty block
// leaves the instruction unchanged.
func AppendKnowledge(instruction, block string) string {
	if strings.TrimSpace(block) == "" {
		return instruction
	}
	return strings.TrimRight(instruction, "\n") + "\n\n" + KnowledgeHeading + "\n" + block
}
