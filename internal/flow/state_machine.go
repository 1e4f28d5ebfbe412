package flow

import (
	"github.com/BTreeMap/Curio/internal/models"
)

// MaxQualifiedQuestions is the number of qualified questions a child may ask after entering
// (or since last entering) reflection before reflection is forced.
const MaxQualifiedQuestions = 2

// FallbackPhase is the next phase for classifier replies that match no known label.
const FallbackPhase = models.PhaseScienceQA

// Transition maps the current phase, the raw classifier reply and the session history to
// the next phase. It does not modify the session.
func Transition(current models.Phase, rawLabel string, s *models.Session) models.Phase {
	if s == nil {
		s = &models.Session{}
	}
	if current == models.PhaseClose || s.IsClosed() {
		return models.PhaseClose
	}
	// The qualified question limit wins over any label in the depth family.
	if current.Family() == models.EvalDepth && s.QualifiedSinceMark() > MaxQualifiedQuestions {
		return models.PhaseReflection
	}

	var next models.Phase
	switch CanonicalLabel(current, rawLabel) {
	case models.LabelDiscover:
		next = models.PhaseDiscover
	case models.LabelScaffolding:
		if s.CountPhase(models.PhaseScaffolding) >= 1 {
			next = models.PhaseDiscover
		} else {
			next = models.PhaseScaffolding
		}
	case models.LabelScienceQA:
		next = afterScienceQA(s)
	case models.LabelReflection:
		if s.CountPhase(models.PhaseReflection) >= 2 {
			next = models.PhaseClose
		} else {
			next = models.PhaseReflection
		}
	default:
		// Unrecognized replies, and close outside the close phase.
		next = FallbackPhase
	}

	if next == models.PhaseScienceQA && s.QualifiedSinceMark() > MaxQualifiedQuestions {
		return models.PhaseReflection
	}
	return next
}

func afterScienceQA(s *models.Session) models.Phase {
	if last, ok := s.LastPhase(); ok && last == models.PhaseScaffolding {
		return models.PhaseDiscover
	}
	r := s.FirstIndex(models.PhaseReflection)
	if r < 0 {
		if s.CountPhase(models.PhaseScienceQA) >= 2 {
			return models.PhaseReflection
		}
		return models.PhaseScienceQA
	}
	if s.CountPhase(models.PhaseReflection) >= 2 {
		return models.PhaseClose
	}
	if s.CountPhaseFrom(r, models.PhaseScienceQA) >= 2 {
		return models.PhaseReflection
	}
	return models.PhaseScienceQA
}

// Record appends next to the phase history according to mode. Entering reflection resets
// the qualified question count. Nothing is recorded once close is in the history.
func Record(s *models.Session, next models.Phase, mode models.HistoryMode) {
	if s.IsClosed() {
		return
	}
	last, ok := s.LastPhase()
	entering := !ok || last != next
	if next == models.PhaseReflection && entering {
		s.LevelMark = len(s.QuestionLevelHistory)
	}
	if entering || mode == models.HistoryAppendAlways {
		s.PhaseHistory = append(s.PhaseHistory, next)
	}
}

// RecordLevel appends a question level to the session.
func RecordLevel(s *models.Session, level models.QuestionLevel) {
	if s.IsClosed() {
		return
	}
	s.QuestionLevelHistory = append(s.QuestionLevelHistory, level)
}
