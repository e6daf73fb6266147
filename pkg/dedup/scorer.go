package dedup

import (
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/search"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Confidence is the tier of a pair score
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// MatchType names which rule produced a pair score
type MatchType string

const (
	MatchOpenAlex   MatchType = "open_alex"
	MatchDOISafe    MatchType = "doi_safe"
	MatchStrongES   MatchType = "strong_es"
	MatchESJaccard  MatchType = "es_jaccard"
	MatchShortTitle MatchType = "short_title"
	MatchWeak       MatchType = "weak"
)

// PairView is the slice of a reference the scorer looks at
type PairView struct {
	TitleTokens []string
	Authors     []string
	Year        int
	DOI         string
	OpenAlex    string
}

// NewPairView extracts the scoring view from a reference
func NewPairView(ref *types.Reference) *PairView {
	view := &PairView{}
	if bib := ref.LatestBibliographic(); bib != nil {
		view.TitleTokens = TitleTokens(bib.Title)
		view.Authors = bib.Authors
		view.Year = bib.Year()
	}
	if id := ref.Identifier(types.IdentifierDOI); id != nil {
		view.DOI = id.Value
	}
	if id := ref.Identifier(types.IdentifierOpenAlex); id != nil {
		view.OpenAlex = id.Value
	}
	return view
}

// PairViewFromDoc extracts the scoring view from an indexed candidate
func PairViewFromDoc(doc *search.ReferenceDoc) *PairView {
	return &PairView{
		TitleTokens: TitleTokens(doc.Title),
		Authors:     doc.Authors,
		Year:        int(doc.PublicationYear),
		DOI:         doc.Identifier(types.IdentifierDOI),
		OpenAlex:    doc.Identifier(types.IdentifierOpenAlex),
	}
}

// PairScore is one scored (source, candidate) pair
type PairScore struct {
	Confidence Confidence
	Combined   float64
	MatchType  MatchType
	Jaccard    float64
	ES         float64
}

// Score evaluates a candidate against the source reference. Rules run in
// order and the first match wins; identifier rules outrank relevance rules
// because false merges cost more than misses.
func Score(source, candidate *PairView, es float64, cfg config.Dedup) PairScore {
	jac := Jaccard(source.TitleTokens, candidate.TitleTokens)

	if source.OpenAlex != "" && source.OpenAlex == candidate.OpenAlex {
		return PairScore{ConfidenceHigh, 1.0, MatchOpenAlex, jac, es}
	}

	// DOI alone is not enough: records with a recycled or mistyped DOI
	// need corroborating metadata before a merge
	if source.DOI != "" && source.DOI == candidate.DOI &&
		source.Year != 0 &&
		(len(source.Authors) > 0 || len(source.TitleTokens) >= cfg.DOISafetyMinTitleTokens) {
		return PairScore{ConfidenceHigh, 1.0, MatchDOISafe, jac, es}
	}

	// mega-collaboration author lists inflate relevance scores on either
	// side of the pair, so the strong-relevance shortcut must clear the
	// full title agreement bar instead of the relaxed one
	strongMinJaccard := cfg.HighScoreMinJaccard
	if CollaborationGuard(source.Authors, cfg.CollaborationAuthorMax) ||
		CollaborationGuard(candidate.Authors, cfg.CollaborationAuthorMax) {
		strongMinJaccard = cfg.JaccardThreshold
	}
	if es >= cfg.ESHighScoreThreshold && jac >= strongMinJaccard {
		return PairScore{ConfidenceHigh, 0.95, MatchStrongES, jac, es}
	}

	if es >= cfg.ESMinScoreThreshold && jac >= cfg.JaccardThreshold {
		combined := 0.5 + 0.3*jac + 0.2*capped(es)/100
		return PairScore{ConfidenceMedium, combined, MatchESJaccard, jac, es}
	}

	if len(source.TitleTokens) <= cfg.ShortTitleMaxTokens &&
		es >= cfg.ShortTitleMinESScore && jac >= cfg.ShortTitleMinJaccard {
		return PairScore{ConfidenceMedium, 0.7, MatchShortTitle, jac, es}
	}

	return PairScore{ConfidenceLow, 0.5*jac + 0.3*capped(es)/100, MatchWeak, jac, es}
}

func capped(es float64) float64 {
	if es > 100 {
		return 100
	}
	return es
}
