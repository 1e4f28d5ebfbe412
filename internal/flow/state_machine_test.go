package flow

import (
	"testing"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/google/go-cmp/cmp"
)

func sessionWith(phases []models.Phase, levels ...models.QuestionLevel) *models.Session {
	s := models.NewSession("conv", models.PhenomenonBalloon)
	s.PhaseHistory = append(s.PhaseHistory, phases...)
	s.QuestionLevelHistory = append(s.QuestionLevelHistory, levels...)
	return s
}

type P = models.Phase

const (
	greet       = models.PhaseGreet
	scaffolding = models.PhaseScaffolding
	discover    = models.PhaseDiscover
	scienceqa   = models.PhaseScienceQA
	reflection  = models.PhaseReflection
	closed      = models.PhaseClose
)

func TestTransitionScenarios(t *testing.T) {
	tests := []struct {
		name    string
		current models.Phase
		label   string
		session *models.Session
		want    models.Phase
	}{
		{"A: first scaffolding", greet, "<scaffolding>", sessionWith(nil), scaffolding},
		{"B: forced advance after scaffolding", scaffolding, "scaffolding", sessionWith([]P{scaffolding}), discover},
		{"C: two scienceqa entries reach reflection", scienceqa, "scienceqa", sessionWith([]P{scienceqa, scienceqa}), reflection},
		{"D: two qualified questions stay in scienceqa", scienceqa, "<1>", sessionWith([]P{scienceqa},
			models.LevelExplanatory, models.LevelGeneralCausal, models.LevelFactual), scienceqa},
		{"D: third qualified question forces reflection", scienceqa, "<1>", sessionWith([]P{scienceqa},
			models.LevelExplanatory, models.LevelGeneralCausal, models.LevelFactual, models.LevelSpecificCausal), reflection},
		{"D: qualified limit wins over a discover label", scienceqa, "<discover>", sessionWith([]P{scienceqa},
			models.LevelExplanatory, models.LevelGeneralCausal, models.LevelSpecificCausal), reflection},
		{"D: qualified limit applies in discover", discover, "<scaffolding>", sessionWith([]P{scaffolding, discover},
			models.LevelExplanatory, models.LevelGeneralCausal, models.LevelSpecificCausal), reflection},
		{"E: third reflection closes", reflection, "<reflection>", sessionWith([]P{scienceqa, reflection, scienceqa, reflection}), closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transition(tt.current, tt.label, tt.session); got != tt.want {
				t.Errorf("Transition(%s, %q) = %s, want %s", tt.current, tt.label, got, tt.want)
			}
		})
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		current models.Phase
		label   string
		history []models.Phase
		want    models.Phase
	}{
		{"discover label", scaffolding, "<discover>", []P{scaffolding}, discover},
		{"discover label from greet", greet, "discover.", nil, discover},
		{"legacy discover alias", greet, "scienceqa_init", nil, discover},
		{"scienceqa right after scaffolding re-enters discover", scienceqa, "<2>", []P{scaffolding}, discover},
		{"first question", discover, "<2>", []P{scaffolding, discover}, scienceqa},
		{"after reflection with one scienceqa", scienceqa, "<3>", []P{scienceqa, reflection, scienceqa}, scienceqa},
		{"after reflection with two scienceqa", scienceqa, "<3>", []P{reflection, scienceqa, scienceqa}, reflection},
		{"two reflections close on scienceqa", scienceqa, "<1>", []P{reflection, scienceqa, reflection}, closed},
		{"reflection label", reflection, "reflection", []P{scienceqa, reflection}, reflection},
		{"unrecognized falls back", scaffolding, "I am not sure", []P{scaffolding}, FallbackPhase},
		{"close label outside close falls back", scienceqa, "<close>", []P{scienceqa}, FallbackPhase},
		{"depth none stays in scienceqa", scienceqa, "<none>", []P{scienceqa}, scienceqa},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transition(tt.current, tt.label, sessionWith(tt.history)); got != tt.want {
				t.Errorf("Transition(%s, %q, %v) = %s, want %s", tt.current, tt.label, tt.history, got, tt.want)
			}
		})
	}
}

func TestTransitionCloseIsAbsorbing(t *testing.T) {
	labels := []string{"discover", "scaffolding", "scienceqa", "reflection", "<4>", "garbage", ""}
	for _, l := range labels {
		if got := Transition(closed, l, sessionWith(nil)); got != closed {
			t.Errorf("close phase with label %q moved to %s", l, got)
		}
		for _, p := range models.AllPhases {
			if got := Transition(p, l, sessionWith([]P{scienceqa, closed})); got != closed {
				t.Errorf("closed history, phase %s, label %q moved to %s", p, l, got)
			}
		}
	}
}

func TestTransitionIsPure(t *testing.T) {
	s := sessionWith([]P{scaffolding, discover, scienceqa}, models.LevelExplanatory)
	before := s.Clone()
	first := Transition(scienceqa, "<2>", s)
	for i := 0; i < 5; i++ {
		if got := Transition(scienceqa, "<2>", s); got != first {
			t.Fatalf("non-deterministic transition: %s then %s", first, got)
		}
	}
	if diff := cmp.Diff(before, s); diff != "" {
		t.Errorf("Transition modified the session (-before +after):\n%s", diff)
	}
	if got := Transition(greet, "scaffolding", nil); got != scaffolding {
		t.Errorf("nil session must behave as empty, got %s", got)
	}
}

func TestScaffoldingNeverLoopsTwice(t *testing.T) {
	s := sessionWith(nil)
	phase := greet
	for i := 0; i < 4; i++ {
		next := Transition(phase, "scaffolding", s)
		Record(s, next, models.HistoryAppendOnChange)
		phase = next
	}
	if n := s.CountPhase(scaffolding); n != 1 {
		t.Errorf("expected one scaffolding entry, got %d (%v)", n, s.PhaseHistory)
	}
	if phase == scaffolding {
		t.Errorf("still scaffolding after repeated labels: %v", s.PhaseHistory)
	}
}

func TestRecord(t *testing.T) {
	s := sessionWith(nil)
	Record(s, scaffolding, models.HistoryAppendOnChange)
	Record(s, scaffolding, models.HistoryAppendOnChange)
	Record(s, discover, models.HistoryAppendOnChange)
	if diff := cmp.Diff([]P{scaffolding, discover}, s.PhaseHistory); diff != "" {
		t.Errorf("append-on-change history (-want +got):\n%s", diff)
	}

	always := sessionWith(nil)
	Record(always, scienceqa, models.HistoryAppendAlways)
	Record(always, scienceqa, models.HistoryAppendAlways)
	if diff := cmp.Diff([]P{scienceqa, scienceqa}, always.PhaseHistory); diff != "" {
		t.Errorf("append-always history (-want +got):\n%s", diff)
	}

	closedSession := sessionWith([]P{reflection, closed})
	Record(closedSession, scienceqa, models.HistoryAppendAlways)
	RecordLevel(closedSession, models.LevelFactual)
	if len(closedSession.PhaseHistory) != 2 || len(closedSession.QuestionLevelHistory) != 0 {
		t.Errorf("closed session must not grow: %+v", closedSession)
	}
}

func TestRecordReflectionResetsQualifiedCount(t *testing.T) {
	s := sessionWith([]P{scienceqa}, models.LevelExplanatory, models.LevelGeneralCausal, models.LevelSpecificCausal)
	if got := Transition(scienceqa, "<2>", s); got != reflection {
		t.Fatalf("expected forced reflection, got %s", got)
	}
	Record(s, reflection, models.HistoryAppendOnChange)
	if s.LevelMark != 3 || s.QualifiedSinceMark() != 0 {
		t.Fatalf("entering reflection must reset the count, mark=%d qualified=%d", s.LevelMark, s.QualifiedSinceMark())
	}
	// Staying in reflection does not move the mark.
	RecordLevel(s, models.LevelExplanatory)
	Record(s, reflection, models.HistoryAppendOnChange)
	if s.LevelMark != 3 {
		t.Errorf("mark moved while staying in reflection: %d", s.LevelMark)
	}
	if got := Transition(reflection, "scienceqa", s); got != scienceqa {
		t.Errorf("expected scienceqa after reflection, got %s", got)
	}
}
