package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Curio/internal/genai"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/openai/openai-go"
)

// Retriever asks the generation service which concepts are relevant to the latest turn.
type Retriever struct {
	kb        *KnowledgeBase
	genai     genai.ClientInterface
	templates *prompts.TemplateSet
	model     string
}

// NewRetriever creates a retriever. An empty model uses the client default.
func NewRetriever(kb *KnowledgeBase, client genai.ClientInterface, templates *prompts.TemplateSet, model string) *Retriever {
	return &Retriever{kb: kb, genai: client, templates: templates, model: model}
}

// Retrieve returns the concept keys selected for the latest child message, most relevant first.
// Malformed replies and unknown keys yield an empty result; only generation failures are errors.
func (r *Retriever) Retrieve(ctx context.Context, transcript models.Transcript, p models.Phenomenon) ([]string, error) {
	keys := r.kb.Keys(p)
	if len(keys) == 0 {
		slog.Warn("Retriever.Retrieve: no concepts for phenomenon", "phenomenon", p)
		return nil, nil
	}

	index := make([]string, 0, len(keys))
	for _, k := range keys {
		c, _ := r.kb.Concept(p, k)
		index = append(index, fmt.Sprintf("- %s: %s", k, c.Definition))
	}
	instruction := prompts.Fill(r.templates.KnowledgeMatching, map[string]string{
		prompts.MarkerKnowledgeIndex: strings.Join(index, "\n"),
		prompts.MarkerConversation:   transcript.Serialize(),
		prompts.MarkerLatestMessage:  transcript.LatestUserMessage(),
	})

	reply, err := r.genai.GenerateWithModel(ctx, r.model, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(instruction),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge retrieval failed: %w", err)
	}

	selected, err := parseKeyList(reply)
	if err != nil {
		slog.Warn("Retriever.Retrieve: unparseable reply", "phenomenon", p, "reply", reply, "error", err)
		return nil, nil
	}
	out := make([]string, 0, len(selected))
	seen := make(map[string]bool, len(selected))
	for _, k := range selected {
		k = normalizeKey(k)
		if _, ok := r.kb.Concept(p, k); !ok {
			slog.Warn("Retriever.Retrieve: unknown concept", "phenomenon", p, "key", k)
			return nil, nil
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	slog.Debug("Retriever.Retrieve: selected concepts", "phenomenon", p, "concepts", out)
	return out, nil
}

// Format renders the concepts of p for the given mode. Blocks are separated by a blank line;
// unknown keys are skipped and an empty selection yields "".
func (r *Retriever) Format(concepts []string, mode models.KnowledgeMode, p models.Phenomenon) string {
	return Format(r.kb, concepts, mode, p)
}

// Format renders concepts from kb. See Retriever.Format.
func Format(kb *KnowledgeBase, concepts []string, mode models.KnowledgeMode, p models.Phenomenon) string {
	blocks := make([]string, 0, len(concepts))
	for _, key := range concepts {
		c, ok := kb.Concept(p, key)
		if !ok {
			continue
		}
		var b strings.Builder
		b.WriteString("### ")
		b.WriteString(normalizeKey(key))
		if mode == models.ModeDefinition || mode == models.ModeDefinitionAndExplanation {
			b.WriteString("\n- Definition: ")
			b.WriteString(c.Definition)
		}
		if mode == models.ModeExplanation || mode == models.ModeDefinitionAndExplanation {
			b.WriteString("\n- Explanation: ")
			b.WriteString(c.Explanation)
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

// ModeFor decides whether a reply in phase needs grounding and in which mode.
// Factual questions get definitions, deeper questions and reflection get both fields.
func ModeFor(phase models.Phase, level *models.QuestionLevel) (models.KnowledgeMode, bool) {
	switch phase {
	case models.PhaseReflection:
		return models.ModeDefinitionAndExplanation, true
	case models.PhaseScienceQA:
		if level == nil {
			return "", false
		}
		if *level == models.LevelFactual {
			return models.ModeDefinition, true
		}
		if level.IsQualified() {
			return models.ModeDefinitionAndExplanation, true
		}
	}
	return "", false
}

// parseKeyList extracts a JSON array of strings, tolerating markdown code fences and prose
// around the array.
func parseKeyList(reply string) ([]string, error) {
	s := strings.TrimSpace(reply)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var keys []string
	if err := json.Unmarshal([]byte(s[start:end+1]), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
