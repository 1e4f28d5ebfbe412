package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/google/go-cmp/cmp"
)

func newTestFlow(t *testing.T, g *scriptedGenAI) (*TutorFlow, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewTutorFlow(Dependencies{GenAI: g, Store: st}), st
}

// flakyStateStore fails the next failLoads flow state reads.
type flakyStateStore struct {
	store.Store
	mu        sync.Mutex
	failLoads int
}

func (s *flakyStateStore) GetFlowState(conversationID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.Lock()
	fail := s.failLoads > 0
	if fail {
		s.failLoads--
	}
	s.mu.Unlock()
	if fail {
		return nil, errDatabaseLocked
	}
	return s.Store.GetFlowState(conversationID, flowType)
}

var errDatabaseLocked = errors.New("database is locked")

func childTurn(id string, state models.Phase, text string) models.TurnRequest {
	return models.TurnRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleAssistant, Content: "Detective, what do you see?"},
			{Role: models.RoleUser, Content: text},
		},
		State:          string(state),
		ImagePath:      "/images/balloon.png",
		ConversationID: id,
		SessionID:      "session-1",
	}
}

func TestProcessTurnFullConversation(t *testing.T) {
	g := &scriptedGenAI{reply: "Curio says hi", retrieval: `["static_electricity"]`}
	f, st := newTestFlow(t, g)
	ctx := context.Background()
	const id = "conv-walk"

	steps := []struct {
		state      models.Phase
		evals      []string
		want       models.Phase
		retrievals int
	}{
		{greet, []string{"<scaffolding>"}, scaffolding, 0},
		{scaffolding, []string{"<discover>"}, discover, 0},
		{discover, []string{"<2>"}, scienceqa, 1},
		{scienceqa, []string{"<3>"}, scienceqa, 1},
		{scienceqa, []string{"<4>"}, scienceqa, 1},
		{scienceqa, nil, reflection, 1}, // three qualified questions force reflection without classifying
		{reflection, []string{"<scienceqa>", "<2>"}, scienceqa, 1},
		{scienceqa, []string{"<reflection>"}, reflection, 1},
		{reflection, []string{"<reflection>"}, closed, 0},
		{closed, nil, closed, 0},
	}
	for i, step := range steps {
		g.evals = step.evals
		evalsBefore, retrievalsBefore := g.evalCount(), g.retrievals

		resp, err := f.ProcessTurn(ctx, childTurn(id, step.state, fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if resp.NextState != step.want {
			t.Fatalf("turn %d: %s -> %s, want %s", i, step.state, resp.NextState, step.want)
		}
		if resp.Response != "Curio says hi" || resp.ConversationID != id {
			t.Errorf("turn %d: unexpected response %+v", i, resp)
		}
		if got := g.evalCount() - evalsBefore; got != len(step.evals) {
			t.Errorf("turn %d: %d evaluation calls, want %d", i, got, len(step.evals))
		}
		if got := g.retrievals - retrievalsBefore; got != step.retrievals {
			t.Errorf("turn %d: %d retrieval calls, want %d", i, got, step.retrievals)
		}

		if i == 2 {
			instruction := g.lastInstruction()
			if !strings.Contains(instruction, prompts.KnowledgeHeading) || !strings.Contains(instruction, "### static_electricity") {
				t.Errorf("first question reply is missing the retrieved knowledge:\n%s", instruction)
			}
		}
		if i == 7 {
			s, err := LoadSession(ctx, f.stateManager, id)
			if err != nil || s == nil {
				t.Fatalf("LoadSession: %v", err)
			}
			wantPhases := []P{scaffolding, discover, scienceqa, reflection, scienceqa, reflection}
			if diff := cmp.Diff(wantPhases, s.PhaseHistory); diff != "" {
				t.Errorf("phase history (-want +got):\n%s", diff)
			}
			wantLevels := []models.QuestionLevel{models.LevelExplanatory, models.LevelGeneralCausal, models.LevelSpecificCausal, models.LevelExplanatory}
			if diff := cmp.Diff(wantLevels, s.QuestionLevelHistory); diff != "" {
				t.Errorf("level history (-want +got):\n%s", diff)
			}
			if s.LevelMark != 4 {
				t.Errorf("level mark = %d, want 4", s.LevelMark)
			}
		}
	}

	if s, err := LoadSession(ctx, f.stateManager, id); err != nil || s != nil {
		t.Errorf("closed session must be discarded, got %+v, %v", s, err)
	}
	conv, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.FinishedAt == nil {
		t.Error("conversation not marked finished")
	}
	if conv.Phenomenon != string(models.PhenomenonBalloon) || conv.SessionID != "session-1" {
		t.Errorf("conversation metadata = %+v", conv)
	}
	msgs, err := st.GetMessages(id)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2*len(steps) {
		t.Fatalf("expected %d messages, got %d", 2*len(steps), len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "message 0" || msgs[0].State != string(greet) {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].State != string(scaffolding) || msgs[1].EvaluationResult != "scaffolding" {
		t.Errorf("first reply = %+v", msgs[1])
	}
	if msgs[5].EvaluationResult != string(models.LevelExplanatory) {
		t.Errorf("question reply evaluation = %q, want explanatory", msgs[5].EvaluationResult)
	}
}

func TestProcessTurnOpeningGreeting(t *testing.T) {
	g := &scriptedGenAI{reply: "Hello detective!"}
	f, st := newTestFlow(t, g)
	req := models.TurnRequest{
		Messages:       []models.ChatMessage{{Role: models.RoleSystem, Content: "start"}},
		State:          string(greet),
		ConversationID: "conv-open",
		ImagePath:      "pepper.jpg",
	}
	resp, err := f.ProcessTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if resp.NextState != greet || resp.Response != "Hello detective!" {
		t.Errorf("unexpected opening response %+v", resp)
	}
	if g.evalCount() != 0 || g.retrievals != 0 {
		t.Errorf("opening must not classify or retrieve")
	}
	s, err := LoadSession(context.Background(), f.stateManager, "conv-open")
	if err != nil || s == nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(s.PhaseHistory) != 0 || s.Phenomenon != models.PhenomenonPepper {
		t.Errorf("opening session = %+v", s)
	}
	msgs, _ := st.GetMessages("conv-open")
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Errorf("expected only the greeting to be stored, got %+v", msgs)
	}
}

func TestProcessTurnReplyFailureKeepsSession(t *testing.T) {
	g := &scriptedGenAI{reply: "ok"}
	f, st := newTestFlow(t, g)
	ctx := context.Background()

	g.evals = []string{"<scaffolding>"}
	if _, err := f.ProcessTurn(ctx, childTurn("conv-fail", greet, "a balloon")); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	boom := errors.New("model overloaded")
	g.replyErr = boom
	g.evals = []string{"<discover>"}
	if _, err := f.ProcessTurn(ctx, childTurn("conv-fail", scaffolding, "the hair moves!")); !errors.Is(err, boom) {
		t.Fatalf("expected reply error, got %v", err)
	}

	s, err := LoadSession(ctx, f.stateManager, "conv-fail")
	if err != nil || s == nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if diff := cmp.Diff([]P{scaffolding}, s.PhaseHistory); diff != "" {
		t.Errorf("failed turn changed the history (-want +got):\n%s", diff)
	}
	msgs, _ := st.GetMessages("conv-fail")
	if len(msgs) != 2 {
		t.Errorf("failed turn must not store messages, got %d", len(msgs))
	}
}

func TestProcessTurnClassificationFailure(t *testing.T) {
	boom := errors.New("timeout")
	g := &scriptedGenAI{evalErr: boom}
	f, st := newTestFlow(t, g)
	_, err := f.ProcessTurn(context.Background(), childTurn("conv-err", scaffolding, "hmm"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected classification error, got %v", err)
	}
	if len(g.replyCalls) != 0 {
		t.Errorf("no reply may be generated after a failed classification")
	}
	if _, err := st.GetConversation("conv-err"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("failed turn must not be recorded, got %v", err)
	}
}

func TestProcessTurnSkipsRetrievalWithoutQuestion(t *testing.T) {
	g := &scriptedGenAI{reply: "ok", evals: []string{"<none>"}}
	f, _ := newTestFlow(t, g)
	resp, err := f.ProcessTurn(context.Background(), childTurn("conv-none", scienceqa, "cool"))
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if resp.NextState != scienceqa {
		t.Errorf("next = %s, want scienceqa", resp.NextState)
	}
	if g.retrievals != 0 {
		t.Errorf("no knowledge should be retrieved without a question, got %d calls", g.retrievals)
	}
	if strings.Contains(g.lastInstruction(), prompts.KnowledgeHeading) {
		t.Errorf("instruction must not carry a knowledge section")
	}
}

func TestProcessTurnValidation(t *testing.T) {
	f, _ := newTestFlow(t, &scriptedGenAI{})
	if _, err := f.ProcessTurn(context.Background(), models.TurnRequest{ConversationID: "x"}); !errors.Is(err, models.ErrEmptyMessages) {
		t.Errorf("expected ErrEmptyMessages, got %v", err)
	}
	req := childTurn("", greet, "hi")
	if _, err := f.ProcessTurn(context.Background(), req); !errors.Is(err, models.ErrMissingConversationID) {
		t.Errorf("expected ErrMissingConversationID, got %v", err)
	}
}

func TestProcessTurnConcurrentSameConversation(t *testing.T) {
	g := &scriptedGenAI{reply: "ok", defaultEval: "<1>"}
	f, st := newTestFlow(t, g)
	const turns = 10

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.ProcessTurn(context.Background(), childTurn("conv-race", scienceqa, fmt.Sprintf("is it magic %d?", i))); err != nil {
				t.Errorf("turn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	s, err := LoadSession(context.Background(), f.stateManager, "conv-race")
	if err != nil || s == nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(s.QuestionLevelHistory) != turns {
		t.Errorf("lost updates: %d levels recorded, want %d", len(s.QuestionLevelHistory), turns)
	}
	msgs, _ := st.GetMessages("conv-race")
	if len(msgs) != 2*turns {
		t.Errorf("expected %d messages, got %d", 2*turns, len(msgs))
	}
	if f.sessions.Active() != 0 {
		t.Errorf("session locks not reclaimed: %d", f.sessions.Active())
	}
}

func TestProcessTurnLoadFailureKeepsHistory(t *testing.T) {
	g := &scriptedGenAI{reply: "ok"}
	st := &flakyStateStore{Store: store.NewInMemoryStore()}
	t.Cleanup(func() { st.Close() })
	f := NewTutorFlow(Dependencies{GenAI: g, Store: st})
	ctx := context.Background()
	const id = "conv-locked"

	g.evals = []string{"<scaffolding>", "<discover>"}
	for _, turn := range []models.TurnRequest{
		childTurn(id, greet, "a balloon"),
		childTurn(id, scaffolding, "the hair moves!"),
	} {
		if _, err := f.ProcessTurn(ctx, turn); err != nil {
			t.Fatalf("ProcessTurn: %v", err)
		}
	}

	st.failLoads = 1
	g.evals = []string{"<2>"}
	if _, err := f.ProcessTurn(ctx, childTurn(id, discover, "why does it stick?")); !errors.Is(err, errDatabaseLocked) {
		t.Fatalf("expected load error, got %v", err)
	}
	if g.evalCount() != 2 || len(g.replyCalls) != 2 {
		t.Errorf("failed load must not classify or reply: %d evaluations, %d replies", g.evalCount(), len(g.replyCalls))
	}

	s, err := LoadSession(ctx, f.stateManager, id)
	if err != nil || s == nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if diff := cmp.Diff([]P{scaffolding, discover}, s.PhaseHistory); diff != "" {
		t.Errorf("failed load changed the history (-want +got):\n%s", diff)
	}
	msgs, _ := st.GetMessages(id)
	if len(msgs) != 4 {
		t.Errorf("failed turn must not store messages, got %d", len(msgs))
	}
}

func TestProcessTurnQualifiedLimitSkipsClassifier(t *testing.T) {
	g := &scriptedGenAI{reply: "ok", evals: []string{"<discover>"}}
	f, _ := newTestFlow(t, g)
	ctx := context.Background()
	const id = "conv-limit"

	s := sessionWith([]P{scaffolding, discover, scienceqa},
		models.LevelExplanatory, models.LevelGeneralCausal, models.LevelSpecificCausal)
	s.ConversationID = id
	if err := SaveSession(ctx, f.stateManager, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	resp, err := f.ProcessTurn(ctx, childTurn(id, scienceqa, "what about the wall?"))
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if resp.NextState != reflection {
		t.Errorf("next = %s, want reflection", resp.NextState)
	}
	if g.evalCount() != 0 {
		t.Errorf("classifier called %d times past the qualified question limit", g.evalCount())
	}

	got, err := LoadSession(ctx, f.stateManager, id)
	if err != nil || got == nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.LevelMark != 3 || got.QualifiedSinceMark() != 0 {
		t.Errorf("entering reflection must reset the count, mark=%d qualified=%d", got.LevelMark, got.QualifiedSinceMark())
	}
}

func TestProcessTurnAppendAlwaysWalk(t *testing.T) {
	g := &scriptedGenAI{reply: "ok"}
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	f := NewTutorFlow(Dependencies{GenAI: g, Store: st, HistoryMode: models.HistoryAppendAlways})
	ctx := context.Background()
	const id = "conv-always"

	steps := []struct {
		state   models.Phase
		eval    string
		want    models.Phase
		history []models.Phase
	}{
		{greet, "<scaffolding>", scaffolding, []P{scaffolding}},
		{scaffolding, "<discover>", discover, []P{scaffolding, discover}},
		{discover, "<1>", scienceqa, []P{scaffolding, discover, scienceqa}},
		{scienceqa, "<1>", scienceqa, []P{scaffolding, discover, scienceqa, scienceqa}},
		{scienceqa, "<1>", reflection, []P{scaffolding, discover, scienceqa, scienceqa, reflection}},
		{reflection, "<reflection>", reflection, []P{scaffolding, discover, scienceqa, scienceqa, reflection, reflection}},
		{reflection, "<reflection>", closed, nil},
	}
	for i, step := range steps {
		g.evals = []string{step.eval}
		resp, err := f.ProcessTurn(ctx, childTurn(id, step.state, fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if resp.NextState != step.want {
			t.Fatalf("turn %d: %s -> %s, want %s", i, step.state, resp.NextState, step.want)
		}
		s, err := LoadSession(ctx, f.stateManager, id)
		if err != nil {
			t.Fatalf("turn %d: LoadSession: %v", i, err)
		}
		if step.history == nil {
			if s != nil {
				t.Errorf("turn %d: closed session must be discarded, got %v", i, s.PhaseHistory)
			}
			continue
		}
		if s == nil {
			t.Fatalf("turn %d: session missing", i)
		}
		if diff := cmp.Diff(step.history, s.PhaseHistory); diff != "" {
			t.Errorf("turn %d: phase history (-want +got):\n%s", i, diff)
		}
	}

	conv, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.FinishedAt == nil {
		t.Error("conversation not marked finished")
	}
}
