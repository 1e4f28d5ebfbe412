package flow

import (
	"github.com/BTreeMap/Curio/internal/knowledge"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/openai/openai-go"
)

// Assembler builds the instruction and the message list for the tutor's reply.
type Assembler struct {
	templates *prompts.TemplateSet
	catalog   *knowledge.PhenomenonCatalog
}

// NewAssembler creates an assembler over a template set and phenomenon catalog.
func NewAssembler(templates *prompts.TemplateSet, catalog *knowledge.PhenomenonCatalog) *Assembler {
	return &Assembler{templates: templates, catalog: catalog}
}

// Assemble fills the template of phase (or of the question level in scienceqa) and appends
// the knowledge block when one was retrieved.
func (a *Assembler) Assemble(phase models.Phase, level *models.QuestionLevel, p models.Phenomenon, transcript models.Transcript, knowledgeBlock string) (string, error) {
	tmpl, err := a.templates.ForPhase(phase, level)
	if err != nil {
		return "", err
	}
	instruction := prompts.Fill(tmpl, sceneValues(a.catalog.Scene(p), transcript))
	return prompts.AppendKnowledge(instruction, knowledgeBlock), nil
}

// Messages frames the transcript between the role prompt and the turn instruction.
func (a *Assembler) Messages(transcript models.Transcript, instruction string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript)+2)
	msgs = append(msgs, openai.SystemMessage(a.templates.System))
	for _, m := range transcript {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		}
	}
	return append(msgs, openai.SystemMessage(instruction))
}

// sceneValues maps every template marker to its content for one turn.
func sceneValues(scene knowledge.Scene, transcript models.Transcript) map[string]string {
	return map[string]string{
		prompts.MarkerImageContent:  scene.ImageContent,
		prompts.MarkerPhenomenon:    scene.Phenomenon,
		prompts.MarkerKnowledge:     scene.Knowledge,
		prompts.MarkerConversation:  transcript.Serialize(),
		prompts.MarkerLatestMessage: transcript.LatestUserMessage(),
	}
}
