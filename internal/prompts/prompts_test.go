package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/Curio/internal/models"
)

func TestDefaultTemplatesComplete(t *testing.T) {
	ts := Default()
	for _, p := range models.AllPhases {
		tmpl, err := ts.ForPhase(p, nil)
		if err != nil {
			t.Fatalf("phase %s: %v", p, err)
		}
		if tmpl == "" {
			t.Errorf("phase %s has empty template", p)
		}
	}
	for _, f := range []models.EvalFamily{models.EvalScaffolding, models.EvalDepth, models.EvalReflection} {
		if _, err := ts.Evaluation(f); err != nil {
			t.Errorf("evaluation %s: %v", f, err)
		}
	}
	if _, err := ts.Evaluation(models.EvalNone); err == nil {
		t.Error("expected no template for the none family")
	}
	if !strings.Contains(ts.KnowledgeMatching, MarkerKnowledgeIndex) {
		t.Error("knowledge matching template must list knowledge components")
	}
}

func TestForPhaseScienceQALevels(t *testing.T) {
	ts := Default()
	seen := map[string]bool{}
	for _, l := range []models.QuestionLevel{models.LevelIrrelevant, models.LevelFactual, models.LevelExplanatory, models.LevelGeneralCausal, models.LevelSpecificCausal} {
		l := l
		tmpl, err := ts.ForPhase(models.PhaseScienceQA, &l)
		if err != nil {
			t.Fatal(err)
		}
		if tmpl != ts.ScienceQA[l.TemplateLevel()] {
			t.Errorf("level %s selected the wrong template", l)
		}
		seen[tmpl] = true
	}
	if len(seen) != ScienceQALevels {
		t.Errorf("expected %d distinct scienceqa templates, got %d", ScienceQALevels, len(seen))
	}
	noLevel, _ := ts.ForPhase(models.PhaseScienceQA, nil)
	if noLevel != ts.ScienceQA[0] {
		t.Error("nil level must select level 0")
	}
}

func TestFill(t *testing.T) {
	tmpl := "## Task\n- do it\n\n## Image Content\n\n  ## Scientific Phenomenon  \n## Other"
	got := Fill(tmpl, map[string]string{
		MarkerImageContent: "A balloon near hair.",
		MarkerPhenomenon:   "Hair rises.",
		MarkerKnowledge:    "unused",
		"## Other":         "",
	})
	want := "## Task\n- do it\n\n## Image Content\nA balloon near hair.\n\n  ## Scientific Phenomenon  \nHair rises.\n## Other"
	if got != want {
		t.Errorf("unexpected fill:\n%s", got)
	}
	if Fill("no markers", map[string]string{MarkerImageContent: "x"}) != "no markers" {
		t.Error("template without markers must be unchanged")
	}
}

func TestAppendKnowledge(t *testing.T) {
	if got := AppendKnowledge("instr\n", ""); got != "instr\n" {
		t.Errorf("empty block must not change instruction, got %q", got)
	}
	got := AppendKnowledge("instr\n", "### charge\n- Definition: d")
	want := "instr\n\n## Relevant Knowledge Component\n### charge\n- Definition: d"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseRejectsIncompleteSet(t *testing.T) {
	if _, err := Parse([]byte("system: hi\n")); err == nil {
		t.Error("expected error for incomplete template set")
	}
	if _, err := Parse([]byte(":::")); err == nil {
		t.Error("expected decode error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, defaultTemplates, 0644); err != nil {
		t.Fatal(err)
	}
	ts, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ts.System != Default().System {
		t.Error("loaded system template differs from embedded one")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
