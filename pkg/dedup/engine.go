package dedup

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/search"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Engine decides whether a freshly ingested reference is canonical, a
// duplicate of an existing canonical, or unsearchable
type Engine struct {
	store  storage.Store
	search *search.Store
	cfg    config.Dedup
}

// NewEngine creates a deduplication engine
func NewEngine(store storage.Store, searchStore *search.Store, cfg config.Dedup) *Engine {
	return &Engine{store: store, search: searchStore, cfg: cfg}
}

// Searchable reports whether a reference carries enough metadata to be
// judged for duplicates: a normalized title and a publication year
func Searchable(ref *types.Reference) bool {
	bib := ref.LatestBibliographic()
	if bib == nil {
		return false
	}
	return len(TitleTokens(bib.Title)) > 0 && bib.Year() != 0
}

// ExactDuplicateOf reports whether incoming adds nothing over existing:
// every incoming identifier key is already owned by existing and every
// incoming enhancement payload is already present by fingerprint. Such a
// reference is discarded before it is ever persisted.
func ExactDuplicateOf(incoming, existing *types.Reference) bool {
	owned := make(map[string]bool)
	for _, id := range existing.Identifiers {
		owned[id.Key()] = true
	}
	for _, id := range incoming.Identifiers {
		if !owned[id.Key()] {
			return false
		}
	}

	fingerprints := make(map[string]bool)
	for _, enh := range existing.Enhancements {
		fingerprints[enh.Content.Fingerprint()] = true
	}
	for _, enh := range incoming.Enhancements {
		if !fingerprints[enh.Content.Fingerprint()] {
			return false
		}
	}
	return true
}

// ScoredCandidate is one candidate with its pair score, kept for auditing
type ScoredCandidate struct {
	ID    uuid.UUID
	Score PairScore
}

// Decide computes the duplicate determination for a reference without
// persisting anything
func (e *Engine) Decide(ref *types.Reference) (*types.ReferenceDuplicateDecision, []ScoredCandidate, error) {
	decision := &types.ReferenceDuplicateDecision{
		ID:          uuid.New(),
		ReferenceID: ref.ID,
		CreatedAt:   time.Now(),
	}

	if !Searchable(ref) {
		decision.Determination = types.DeterminationUnsearchable
		return decision, nil, nil
	}

	source := NewPairView(ref)
	cq := &search.CandidateQuery{
		TitleTokens: source.TitleTokens,
		Year:        source.Year,
		ExcludeID:   ref.ID.String(),
		Limit:       e.cfg.CandidateLimit,
	}
	if !CollaborationGuard(source.Authors, e.cfg.CollaborationAuthorMax) {
		cq.AuthorTokens = AuthorTokens(source.Authors, e.cfg.MaxAuthorTokens)
	}

	candidates, err := e.search.Candidates(cq)
	if err != nil {
		return nil, nil, err
	}

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		id, err := search.ParseID(c.Doc.ID)
		if err != nil {
			continue
		}
		score := Score(source, PairViewFromDoc(c.Doc), c.Score*e.cfg.ScoreScale, e.cfg)
		scored = append(scored, ScoredCandidate{ID: id, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score.Combined > scored[j].Score.Combined
	})

	for _, sc := range scored {
		decision.CandidateCanonicalIDs = append(decision.CandidateCanonicalIDs, sc.ID)
	}

	if len(scored) > 0 && scored[0].Score.Confidence != ConfidenceLow {
		top := scored[0]
		decision.Determination = types.DeterminationDuplicate
		decision.CanonicalReferenceID = &top.ID
		return decision, scored, nil
	}

	decision.Determination = types.DeterminationCanonical
	return decision, scored, nil
}

// Deduplicate decides, persists the active decision, and updates the
// search projections: a canonical or unsearchable reference gets its own
// document; a duplicate loses its document and its canonical's document is
// rebuilt as the cluster union.
func (e *Engine) Deduplicate(ref *types.Reference) (*types.ReferenceDuplicateDecision, error) {
	logger := log.WithReferenceID(ref.ID.String())

	decision, scored, err := e.Decide(ref)
	if err != nil {
		return nil, err
	}

	if err := e.store.ActivateDecision(decision); err != nil {
		return nil, err
	}
	confidence := "none"
	if len(scored) > 0 {
		confidence = string(scored[0].Score.Confidence)
	}
	metrics.DedupDecisionsTotal.WithLabelValues(string(decision.Determination), confidence).Inc()

	switch decision.Determination {
	case types.DeterminationDuplicate:
		logger.Info().
			Str("canonical", decision.CanonicalReferenceID.String()).
			Str("match", string(scored[0].Score.MatchType)).
			Msg("reference is a duplicate")
		if err := e.search.Delete(ref.ID.String()); err != nil {
			return nil, err
		}
		if err := e.ProjectCluster(*decision.CanonicalReferenceID); err != nil {
			return nil, err
		}
	default:
		logger.Debug().Str("determination", string(decision.Determination)).Msg("reference decided")
		if err := e.ProjectCluster(ref.ID); err != nil {
			return nil, err
		}
	}
	return decision, nil
}

// ProjectCluster rebuilds the search document for a reference from its
// current cluster: the reference itself plus every duplicate whose active
// decision points at it
func (e *Engine) ProjectCluster(canonicalID uuid.UUID) error {
	canonical, err := e.store.GetReference(canonicalID)
	if err != nil {
		return err
	}

	determination := types.DeterminationCanonical
	if d, err := e.store.GetActiveDecision(canonicalID); err == nil {
		determination = d.Determination
	} else if !types.IsNotFound(err) {
		return err
	}

	dupIDs, err := e.store.ListDuplicatesOf(canonicalID)
	if err != nil {
		return err
	}
	duplicates := make([]*types.Reference, 0, len(dupIDs))
	for _, id := range dupIDs {
		dup, err := e.store.GetReference(id)
		if err != nil {
			return err
		}
		duplicates = append(duplicates, dup)
	}

	doc := search.BuildProjection(canonical, duplicates, determination)
	return e.search.Project(doc)
}
