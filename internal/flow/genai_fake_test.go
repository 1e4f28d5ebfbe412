package flow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/openai/openai-go"
)

// scriptedGenAI answers evaluation calls from a queue, retrieval calls with a fixed key list
// and reply calls with a fixed reply.
type scriptedGenAI struct {
	mu          sync.Mutex
	evals       []string
	defaultEval string
	evalErr     error
	retrieval   string
	reply       string
	replyErr    error

	evalPrompts  []string
	retrievals   int
	replyCalls   [][]openai.ChatCompletionMessageParamUnion
	modelsUsed   []string
	instructions []string
}

func (g *scriptedGenAI) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt), openai.UserMessage(userPrompt)})
}

func (g *scriptedGenAI) GenerateWithMessages(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replyCalls = append(g.replyCalls, msgs)
	g.instructions = append(g.instructions, messageText(msgs[len(msgs)-1]))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.reply, g.replyErr
}

func (g *scriptedGenAI) GenerateWithModel(ctx context.Context, model string, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modelsUsed = append(g.modelsUsed, model)
	instruction := messageText(msgs[len(msgs)-1])
	if strings.Contains(instruction, prompts.MarkerKnowledgeIndex) {
		g.retrievals++
		if g.retrieval == "" {
			return "[]", nil
		}
		return g.retrieval, nil
	}
	g.evalPrompts = append(g.evalPrompts, instruction)
	if g.evalErr != nil {
		return "", g.evalErr
	}
	if len(g.evals) == 0 {
		if g.defaultEval != "" {
			return g.defaultEval, nil
		}
		return "", errors.New("unexpected evaluation call")
	}
	reply := g.evals[0]
	g.evals = g.evals[1:]
	return reply, nil
}

func (g *scriptedGenAI) evalCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.evalPrompts)
}

func (g *scriptedGenAI) lastInstruction() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.instructions) == 0 {
		return ""
	}
	return g.instructions[len(g.instructions)-1]
}

func messageText(m openai.ChatCompletionMessageParamUnion) string {
	switch {
	case m.OfSystem != nil:
		return m.OfSystem.Content.OfString.Value
	case m.OfUser != nil:
		return m.OfUser.Content.OfString.Value
	case m.OfAssistant != nil:
		return m.OfAssistant.Content.OfString.Value
	}
	return ""
}
