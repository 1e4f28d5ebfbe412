package models

import (
	"path/filepath"
	"strings"
)

// Phenomenon is the scientific scenario shown to the child.
type Phenomenon string

const (
	PhenomenonBalloon Phenomenon = "balloon"
	PhenomenonBend    Phenomenon = "bend"
	PhenomenonPepper  Phenomenon = "pepper"
)

// DefaultPhenomenon is used whenever a phenomenon cannot be determined.
const DefaultPhenomenon = PhenomenonBalloon

// AllPhenomena lists the supported phenomena.
var AllPhenomena = []Phenomenon{PhenomenonBalloon, PhenomenonBend, PhenomenonPepper}

var phenomenonDisplayNames = map[Phenomenon]string{
	PhenomenonBalloon: "Balloon and Static Electricity",
	PhenomenonBend:    "Bending Light in Water",
	PhenomenonPepper:  "Pepper and Soap",
}

// IsValid reports whether p is a supported phenomenon.
func (p Phenomenon) IsValid() bool {
	_, ok := phenomenonDisplayNames[p]
	return ok
}

// DisplayName is the key of the phenomenon in the knowledge base file.
func (p Phenomenon) DisplayName() string {
	return phenomenonDisplayNames[p]
}

// ParsePhenomenon parses a phenomenon id, case-insensitively.
func ParsePhenomenon(s string) (Phenomenon, bool) {
	p := Phenomenon(strings.ToLower(strings.TrimSpace(s)))
	return p, p.IsValid()
}

// PhenomenonFromImagePath derives the phenomenon from the file name of the image the child
// selected, e.g. "/images/pepper.png" or "bend_2.jpg". Unknown paths yield DefaultPhenomenon.
func PhenomenonFromImagePath(imagePath string) Phenomenon {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(imagePath)))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if p, ok := ParsePhenomenon(base); ok {
		return p
	}
	for _, p := range AllPhenomena {
		if strings.Contains(base, string(p)) {
			return p
		}
	}
	return DefaultPhenomenon
}
