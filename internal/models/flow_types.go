// Package models defines the tutoring enums shared by the flow, prompt and knowledge packages.
package models

import "strings"

// FlowType represents a specific type of persisted flow state
type FlowType string

// DataKey represents a key for storing state-specific data
type DataKey string

// Flow type constants.
const (
	FlowTypeTutor FlowType = "tutor"
)

// Data key constants for the tutor flow.
const (
	DataKeySession DataKey = "session"
)

// Phase is a stage of the tutoring dialogue.
type Phase string

// Phase constants, in dialogue order. PhaseClose is absorbing.
const (
	PhaseGreet       Phase = "greet"
	PhaseScaffolding Phase = "scaffolding"
	PhaseDiscover    Phase = "discover"
	PhaseScienceQA   Phase = "scienceqa"
	PhaseReflection  Phase = "reflection"
	PhaseClose       Phase = "close"
)

// legacyDiscoverPhase is what older frontends send for the discover phase.
const legacyDiscoverPhase = "scienceqa_init"

// AllPhases lists every phase in dialogue order.
var AllPhases = []Phase{PhaseGreet, PhaseScaffolding, PhaseDiscover, PhaseScienceQA, PhaseReflection, PhaseClose}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseGreet, PhaseScaffolding, PhaseDiscover, PhaseScienceQA, PhaseReflection, PhaseClose:
		return true
	default:
		return false
	}
}

// ParsePhase parses a phase sent by a client. An empty value is greet. The boolean is false
// when the value was not recognised, in which case greet is returned.
func ParsePhase(s string) (Phase, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return PhaseGreet, true
	}
	if v == legacyDiscoverPhase {
		return PhaseDiscover, true
	}
	p := Phase(v)
	if !p.IsValid() {
		return PhaseGreet, false
	}
	return p, true
}

// EvalFamily selects the evaluation template used to classify a turn.
type EvalFamily string

const (
	EvalScaffolding EvalFamily = "scaffolding"
	EvalDepth       EvalFamily = "depth"
	EvalReflection  EvalFamily = "reflection"
	EvalNone        EvalFamily = "none"
)

// Family returns the evaluation family of the phase.
func (p Phase) Family() EvalFamily {
	switch p {
	case PhaseGreet, PhaseScaffolding:
		return EvalScaffolding
	case PhaseDiscover, PhaseScienceQA:
		return EvalDepth
	case PhaseReflection:
		return EvalReflection
	default:
		return EvalNone
	}
}

// Label is the canonical interpretation of a classifier reply.
type Label string

const (
	LabelDiscover     Label = "discover"
	LabelScaffolding  Label = "scaffolding"
	LabelScienceQA    Label = "scienceqa"
	LabelReflection   Label = "reflection"
	LabelClose        Label = "close"
	LabelUnrecognized Label = "unrecognized"
)

// QuestionLevel is the depth of a child's question during scienceqa.
type QuestionLevel string

// Question levels ordered by depth.
const (
	LevelNoQuestion     QuestionLevel = "no_question"
	LevelIrrelevant     QuestionLevel = "irrelevant"
	LevelFactual        QuestionLevel = "factual"
	LevelExplanatory    QuestionLevel = "explanatory"
	LevelGeneralCausal  QuestionLevel = "general_causal"
	LevelSpecificCausal QuestionLevel = "specific_causal"
)

var levelDepth = map[QuestionLevel]int{
	LevelNoQuestion:     0,
	LevelIrrelevant:     1,
	LevelFactual:        2,
	LevelExplanatory:    3,
	LevelGeneralCausal:  4,
	LevelSpecificCausal: 5,
}

// IsValid reports whether l is a known level.
func (l QuestionLevel) IsValid() bool {
	_, ok := levelDepth[l]
	return ok
}

// Depth returns the ordinal depth of the level, -1 for unknown levels.
func (l QuestionLevel) Depth() int {
	d, ok := levelDepth[l]
	if !ok {
		return -1
	}
	return d
}

// IsQualified reports whether the level is explanatory or deeper.
func (l QuestionLevel) IsQualified() bool {
	return l.Depth() >= levelDepth[LevelExplanatory]
}

// TemplateLevel returns the scienceqa template level (0-4) used to answer a question of this depth.
func (l QuestionLevel) TemplateLevel() int {
	switch l {
	case LevelFactual:
		return 1
	case LevelExplanatory:
		return 2
	case LevelGeneralCausal:
		return 3
	case LevelSpecificCausal:
		return 4
	default:
		return 0
	}
}

// KnowledgeMode selects which knowledge base fields are rendered for grounding.
type KnowledgeMode string

const (
	ModeDefinition               KnowledgeMode = "definition"
	ModeExplanation              KnowledgeMode = "explanation"
	ModeDefinitionAndExplanation KnowledgeMode = "definition_and_explanation"
)

// IsValid reports whether m is a known mode.
func (m KnowledgeMode) IsValid() bool {
	switch m {
	case ModeDefinition, ModeExplanation, ModeDefinitionAndExplanation:
		return true
	default:
		return false
	}
}

// HistoryMode is the convention used to record phases into a session's history.
type HistoryMode string

const (
	// HistoryAppendOnChange appends a phase only when it differs from the last entry.
	HistoryAppendOnChange HistoryMode = "on_change"
	// HistoryAppendAlways appends the phase of every turn.
	HistoryAppendAlways HistoryMode = "always"
)

// ParseHistoryMode parses a history mode; unknown values yield append-on-change.
func ParseHistoryMode(s string) (HistoryMode, bool) {
	switch HistoryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", HistoryAppendOnChange:
		return HistoryAppendOnChange, true
	case HistoryAppendAlways:
		return HistoryAppendAlways, true
	default:
		return HistoryAppendOnChange, false
	}
}
