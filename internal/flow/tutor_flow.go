package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Curio/internal/genai"
	"github.com/BTreeMap/Curio/internal/knowledge"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/BTreeMap/Curio/internal/store"
)

// Dependencies holds everything the tutor flow needs.
type Dependencies struct {
	GenAI         genai.ClientInterface
	Store         store.Store
	Templates     *prompts.TemplateSet
	KnowledgeBase *knowledge.KnowledgeBase
	Catalog       *knowledge.PhenomenonCatalog
	// ClassifierModel is used for classification and retrieval; empty means the client default.
	ClassifierModel string
	HistoryMode     models.HistoryMode
}

// TutorFlow runs one tutoring turn at a time per conversation.
type TutorFlow struct {
	genai        genai.ClientInterface
	store        store.Store
	stateManager StateManager
	classifier   *TurnClassifier
	retriever    *knowledge.Retriever
	assembler    *Assembler
	sessions     *SessionManager
	historyMode  models.HistoryMode
}

// NewTutorFlow wires a tutor flow. Missing templates, knowledge or store fall back to the
// embedded defaults and an in-memory store.
func NewTutorFlow(deps Dependencies) *TutorFlow {
	if deps.Templates == nil {
		deps.Templates = prompts.Default()
	}
	if deps.KnowledgeBase == nil || deps.Catalog == nil {
		kb, cat := knowledge.MustDefaults()
		if deps.KnowledgeBase == nil {
			deps.KnowledgeBase = kb
		}
		if deps.Catalog == nil {
			deps.Catalog = cat
		}
	}
	if deps.Store == nil {
		deps.Store = store.NewInMemoryStore()
	}
	if deps.HistoryMode == "" {
		deps.HistoryMode = models.HistoryAppendOnChange
	}
	slog.Debug("TutorFlow.NewTutorFlow: creating flow", "historyMode", deps.HistoryMode, "classifierModel", deps.ClassifierModel)
	return &TutorFlow{
		genai:        deps.GenAI,
		store:        deps.Store,
		stateManager: NewStoreBasedStateManager(deps.Store),
		classifier:   NewTurnClassifier(deps.GenAI, deps.Templates, deps.Catalog, deps.ClassifierModel),
		retriever:    knowledge.NewRetriever(deps.KnowledgeBase, deps.GenAI, deps.Templates, deps.ClassifierModel),
		assembler:    NewAssembler(deps.Templates, deps.Catalog),
		sessions:     NewSessionManager(),
		historyMode:  deps.HistoryMode,
	}
}

// turnPlan is the outcome of classification for one turn.
type turnPlan struct {
	next       models.Phase
	level      *models.QuestionLevel
	evaluation string
	// opening marks a greeting before the child has said anything; it is not recorded.
	opening bool
}

// ProcessTurn classifies the turn, moves the conversation to its next phase and generates the
// tutor's reply. The session is only updated after the reply was generated, so a failed or
// cancelled turn leaves the stored history unchanged.
func (f *TutorFlow) ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, models.ErrMissingConversationID
	}
	id := req.ConversationID

	unlock, err := f.sessions.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, ok := models.ParsePhase(req.State)
	if !ok {
		slog.Warn("TutorFlow.ProcessTurn: unknown state, treating as greet", "conversationID", id, "state", req.State)
	}
	transcript := models.Transcript(req.Messages)

	session, err := f.loadSession(ctx, id, req.ImagePath)
	if err != nil {
		return nil, err
	}
	work := session.Clone()
	p := work.Phenomenon

	plan, err := f.plan(ctx, current, transcript, work)
	if err != nil {
		slog.Error("TutorFlow.ProcessTurn: classification failed", "conversationID", id, "phase", current, "error", err)
		return nil, err
	}

	var block string
	if mode, ok := knowledge.ModeFor(plan.next, plan.level); ok {
		concepts, err := f.retriever.Retrieve(ctx, transcript, p)
		if err != nil {
			slog.Error("TutorFlow.ProcessTurn: retrieval failed", "conversationID", id, "error", err)
			return nil, err
		}
		block = f.retriever.Format(concepts, mode, p)
	}

	instruction, err := f.assembler.Assemble(plan.next, plan.level, p, transcript, block)
	if err != nil {
		return nil, err
	}
	reply, err := f.genai.GenerateWithMessages(ctx, f.assembler.Messages(transcript, instruction))
	if err != nil {
		slog.Error("TutorFlow.ProcessTurn: reply generation failed", "conversationID", id, "phase", plan.next, "error", err)
		return nil, fmt.Errorf("reply generation failed: %w", err)
	}

	if !plan.opening {
		Record(work, plan.next, f.historyMode)
		if plan.level != nil {
			RecordLevel(work, *plan.level)
		}
	}
	work.UpdatedAt = time.Now()
	f.saveSession(ctx, work)
	f.persistTurn(req, transcript, reply, plan, p)

	slog.Info("TutorFlow.ProcessTurn: turn completed", "conversationID", id, "from", current, "to", plan.next, "evaluation", plan.evaluation)
	return &models.TurnResponse{Response: reply, NextState: plan.next, ConversationID: id}, nil
}

// plan decides the next phase and, in scienceqa, the question level.
func (f *TutorFlow) plan(ctx context.Context, current models.Phase, transcript models.Transcript, s *models.Session) (turnPlan, error) {
	if current == models.PhaseClose || s.IsClosed() {
		return turnPlan{next: models.PhaseClose, evaluation: string(models.LabelClose)}, nil
	}
	if current == models.PhaseGreet && len(s.PhaseHistory) == 0 && transcript.LatestUserMessage() == "" {
		return turnPlan{next: models.PhaseGreet, opening: true}, nil
	}

	if current.Family() == models.EvalDepth && s.QualifiedSinceMark() > MaxQualifiedQuestions {
		slog.Debug("TutorFlow.plan: qualified question limit reached, forcing reflection", "conversationID", s.ConversationID, "qualified", s.QualifiedSinceMark())
		return turnPlan{next: models.PhaseReflection, evaluation: string(models.LabelReflection)}, nil
	}

	raw, err := f.classifier.Classify(ctx, current, transcript, s.Phenomenon)
	if err != nil {
		return turnPlan{}, err
	}
	plan := turnPlan{next: Transition(current, raw, s), evaluation: raw}
	if plan.next != models.PhaseScienceQA {
		return plan, nil
	}

	var level models.QuestionLevel
	if current.Family() == models.EvalDepth {
		level = ParseQuestionLevel(raw)
	} else {
		depth, err := f.classifier.ClassifyDepth(ctx, transcript, s.Phenomenon)
		if err != nil {
			return turnPlan{}, err
		}
		level = ParseQuestionLevel(depth)
	}
	plan.level = &level
	plan.evaluation = string(level)
	return plan, nil
}

// loadSession returns the stored session, or a new one when none is stored. A storage or
// decode error fails the turn; starting over would overwrite the history on save.
func (f *TutorFlow) loadSession(ctx context.Context, id, imagePath string) (*models.Session, error) {
	s, err := LoadSession(ctx, f.stateManager, id)
	if err != nil {
		slog.Error("TutorFlow.loadSession: failed to load session", "conversationID", id, "error", err)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if s != nil {
		if !s.Phenomenon.IsValid() {
			s.Phenomenon = models.DefaultPhenomenon
		}
		return s, nil
	}
	p := models.PhenomenonFromImagePath(imagePath)
	slog.Debug("TutorFlow.loadSession: new session", "conversationID", id, "phenomenon", p)
	return models.NewSession(id, p), nil
}

// saveSession stores the session, or discards it once the conversation is closed.
func (f *TutorFlow) saveSession(ctx context.Context, s *models.Session) {
	if s.IsClosed() {
		if err := f.stateManager.ResetState(ctx, s.ConversationID, models.FlowTypeTutor); err != nil {
			slog.Error("TutorFlow.saveSession: failed to discard closed session", "conversationID", s.ConversationID, "error", err)
		}
		return
	}
	if err := SaveSession(ctx, f.stateManager, s); err != nil {
		slog.Error("TutorFlow.saveSession: failed to save session", "conversationID", s.ConversationID, "error", err)
	}
}

// persistTurn records the conversation and the turn's messages. Failures are logged only.
func (f *TutorFlow) persistTurn(req models.TurnRequest, transcript models.Transcript, reply string, plan turnPlan, p models.Phenomenon) {
	id := req.ConversationID
	if _, err := f.store.CreateOrGetConversation(models.Conversation{
		ID:         id,
		SessionID:  req.SessionID,
		ImagePath:  req.ImagePath,
		Phenomenon: string(p),
	}); err != nil {
		slog.Error("TutorFlow.persistTurn: failed to record conversation", "conversationID", id, "error", err)
		return
	}

	assistant := models.Message{
		ConversationID:   id,
		Role:             models.RoleAssistant,
		Content:          reply,
		State:            string(plan.next),
		EvaluationResult: plan.evaluation,
	}
	var err error
	if latest := transcript.LatestUserMessage(); latest != "" {
		err = f.store.AppendTurn(models.Message{
			ConversationID: id,
			Role:           models.RoleUser,
			Content:        latest,
			State:          req.State,
		}, assistant)
	} else {
		_, err = f.store.AppendMessage(assistant)
	}
	if err != nil {
		slog.Error("TutorFlow.persistTurn: failed to record messages", "conversationID", id, "error", err)
	}

	if plan.next == models.PhaseClose {
		if err := f.store.FinishConversation(id, plan.evaluation); err != nil {
			slog.Error("TutorFlow.persistTurn: failed to finish conversation", "conversationID", id, "error", err)
		}
	}
}
