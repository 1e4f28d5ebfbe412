package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Curio/internal/genai"
	"github.com/BTreeMap/Curio/internal/knowledge"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/openai/openai-go"
)

// TurnClassifier evaluates the latest turn with the evaluation template of the current phase.
type TurnClassifier struct {
	genai     genai.ClientInterface
	templates *prompts.TemplateSet
	catalog   *knowledge.PhenomenonCatalog
	model     string
}

// NewTurnClassifier creates a classifier. An empty model uses the client default.
func NewTurnClassifier(client genai.ClientInterface, templates *prompts.TemplateSet, catalog *knowledge.PhenomenonCatalog, model string) *TurnClassifier {
	return &TurnClassifier{genai: client, templates: templates, catalog: catalog, model: model}
}

// Classify returns the normalized classifier reply for the turn. Close issues no call.
func (c *TurnClassifier) Classify(ctx context.Context, phase models.Phase, transcript models.Transcript, p models.Phenomenon) (string, error) {
	family := phase.Family()
	if family == models.EvalNone {
		return string(models.LabelClose), nil
	}
	return c.evaluate(ctx, family, transcript, p)
}

// ClassifyDepth grades the depth of the child's latest question.
func (c *TurnClassifier) ClassifyDepth(ctx context.Context, transcript models.Transcript, p models.Phenomenon) (string, error) {
	return c.evaluate(ctx, models.EvalDepth, transcript, p)
}

func (c *TurnClassifier) evaluate(ctx context.Context, family models.EvalFamily, transcript models.Transcript, p models.Phenomenon) (string, error) {
	tmpl, err := c.templates.Evaluation(family)
	if err != nil {
		return "", err
	}
	instruction := prompts.Fill(tmpl, sceneValues(c.catalog.Scene(p), transcript))
	reply, err := c.genai.GenerateWithModel(ctx, c.model, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(instruction),
	})
	if err != nil {
		return "", fmt.Errorf("classification failed: %w", err)
	}
	label := NormalizeLabel(reply)
	slog.Debug("TurnClassifier.evaluate: classified turn", "family", family, "phenomenon", p, "raw", reply, "label", label)
	return label, nil
}

// NormalizeLabel trims and lower-cases a classifier reply and strips enclosing markers such as
// angle brackets, quotes and backticks. When the reply wraps a token in angle brackets
// among other text, the first such token is returned.
func NormalizeLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "<"); i >= 0 {
		if j := strings.Index(s[i+1:], ">"); j >= 0 {
			s = s[i+1 : i+1+j]
		}
	}
	return strings.Trim(s, " \t\r\n\"'`<>.")
}

var phaseLabels = map[string]models.Label{
	"discover":       models.LabelDiscover,
	"scienceqa_init": models.LabelDiscover,
	"scaffolding":    models.LabelScaffolding,
	"scienceqa":      models.LabelScienceQA,
	"reflection":     models.LabelReflection,
	"close":          models.LabelClose,
}

// CanonicalLabel interprets a classifier reply for the evaluation family of phase. In the
// depth family every question-level token means the child stays in question answering.
func CanonicalLabel(phase models.Phase, raw string) models.Label {
	n := NormalizeLabel(raw)
	if l, ok := phaseLabels[n]; ok {
		return l
	}
	if phase.Family() == models.EvalDepth {
		if _, ok := parseQuestionLevel(n); ok {
			return models.LabelScienceQA
		}
	}
	return models.LabelUnrecognized
}

var levelTokens = map[string]models.QuestionLevel{
	"none":            models.LevelNoQuestion,
	"no_question":     models.LevelNoQuestion,
	"no question":     models.LevelNoQuestion,
	"0":               models.LevelIrrelevant,
	"irrelevant":      models.LevelIrrelevant,
	"1":               models.LevelFactual,
	"factual":         models.LevelFactual,
	"2":               models.LevelExplanatory,
	"explanatory":     models.LevelExplanatory,
	"3":               models.LevelGeneralCausal,
	"general_causal":  models.LevelGeneralCausal,
	"4":               models.LevelSpecificCausal,
	"specific_causal": models.LevelSpecificCausal,
}

func parseQuestionLevel(normalized string) (models.QuestionLevel, bool) {
	l, ok := levelTokens[normalized]
	return l, ok
}

// ParseQuestionLevel maps a depth evaluation reply to a level. Unparseable replies are
// treated as no question.
func ParseQuestionLevel(raw string) models.QuestionLevel {
	l, ok := parseQuestionLevel(NormalizeLabel(raw))
	if !ok {
		slog.Warn("ParseQuestionLevel: unrecognized depth reply", "raw", raw)
		return models.LevelNoQuestion
	}
	return l
}
