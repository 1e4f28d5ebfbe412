// Package knowledge loads the per-phenomenon knowledge base and scene metadata, and selects
// the knowledge components that ground a tutor reply.
package knowledge

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BTreeMap/Curio/internal/models"
)

//go:embed data/knowledge_base.json
var defaultKnowledgeBase []byte

//go:embed data/phenomena.json
var defaultPhenomena []byte

// Concept is one knowledge base entry.
type Concept struct {
	Definition  string `json:"definition"`
	Explanation string `json:"explanation"`
}

type topic struct {
	Concepts map[string]Concept `json:"concepts"`
}

// KnowledgeBase maps each phenomenon to its concepts. It is read-only after loading.
type KnowledgeBase struct {
	topics map[models.Phenomenon]map[string]Concept
}

// ParseKnowledgeBase decodes a knowledge base keyed by phenomenon display name.
// Topics that do not name a supported phenomenon are skipped.
func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var raw map[string]topic
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge base: %w", err)
	}
	byName := make(map[string]models.Phenomenon, len(models.AllPhenomena))
	for _, p := range models.AllPhenomena {
		byName[p.DisplayName()] = p
	}
	kb := &KnowledgeBase{topics: make(map[models.Phenomenon]map[string]Concept)}
	for name, t := range raw {
		p, ok := byName[name]
		if !ok {
			slog.Warn("KnowledgeBase.Parse: skipping unknown topic", "topic", name)
			continue
		}
		concepts := make(map[string]Concept, len(t.Concepts))
		for key, c := range t.Concepts {
			concepts[normalizeKey(key)] = c
		}
		kb.topics[p] = concepts
	}
	return kb, nil
}

// LoadKnowledgeBase reads the knowledge base from path, or the embedded default when path is empty.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	data, err := readOrDefault(path, defaultKnowledgeBase)
	if err != nil {
		return nil, err
	}
	return ParseKnowledgeBase(data)
}

// Keys returns the sorted concept keys of a phenomenon.
func (kb *KnowledgeBase) Keys(p models.Phenomenon) []string {
	concepts := kb.topics[p]
	keys := make([]string, 0, len(concepts))
	for k := range concepts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Concept looks up a concept of a phenomenon.
func (kb *KnowledgeBase) Concept(p models.Phenomenon, key string) (Concept, bool) {
	c, ok := kb.topics[p][normalizeKey(key)]
	return c, ok
}

// Scene is the metadata injected into templates for one phenomenon.
type Scene struct {
	ImageContent string `json:"image_content"`
	Phenomenon   string `json:"phenomenon"`
	Knowledge    string `json:"knowledge"`
}

// PhenomenonCatalog holds the scene metadata of every phenomenon.
type PhenomenonCatalog struct {
	scenes map[models.Phenomenon]Scene
}

// ParseCatalog decodes phenomenon metadata keyed by phenomenon id. The default phenomenon
// must be present since unknown ids fall back to it.
func ParseCatalog(data []byte) (*PhenomenonCatalog, error) {
	var raw map[string]Scene
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode phenomena: %w", err)
	}
	cat := &PhenomenonCatalog{scenes: make(map[models.Phenomenon]Scene, len(raw))}
	for id, s := range raw {
		p, ok := models.ParsePhenomenon(id)
		if !ok {
			slog.Warn("PhenomenonCatalog.Parse: skipping unknown phenomenon", "id", id)
			continue
		}
		cat.scenes[p] = s
	}
	if _, ok := cat.scenes[models.DefaultPhenomenon]; !ok {
		return nil, fmt.Errorf("phenomena must define %q", models.DefaultPhenomenon)
	}
	return cat, nil
}

// LoadCatalog reads phenomenon metadata from path, or the embedded default when path is empty.
func LoadCatalog(path string) (*PhenomenonCatalog, error) {
	data, err := readOrDefault(path, defaultPhenomena)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// Scene returns the metadata of p, falling back to the default phenomenon.
func (c *PhenomenonCatalog) Scene(p models.Phenomenon) Scene {
	if s, ok := c.scenes[p]; ok {
		return s
	}
	return c.scenes[models.DefaultPhenomenon]
}

// MustDefaults returns the embedded knowledge base and catalog, panicking if either is invalid.
func MustDefaults() (*KnowledgeBase, *PhenomenonCatalog) {
	kb, err := ParseKnowledgeBase(defaultKnowledgeBase)
	if err != nil {
		panic(err)
	}
	cat, err := ParseCatalog(defaultPhenomena)
	if err != nil {
		panic(err)
	}
	return kb, cat
}

func readOrDefault(path string, fallback []byte) ([]byte, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
