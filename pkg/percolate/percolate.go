package percolate

import (
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/search"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Doc is one percolation input: the reference's current state plus the
// delta just applied, so automations can match "this change added X" and
// not only "this reference now has X"
type Doc struct {
	Reference *search.ReferenceDoc `json:"reference"`
	Changeset *ChangesetDoc        `json:"changeset"`
}

// ChangesetDoc is the indexed shape of a changeset
type ChangesetDoc struct {
	NewReference          bool     `json:"new_reference"`
	AddedIdentifierTypes  []string `json:"added_identifier_types"`
	AddedEnhancementTypes []string `json:"added_enhancement_types"`
}

// BuildDoc assembles the percolation input for one reference change
func BuildDoc(ref *types.Reference, duplicates []*types.Reference, determination types.DuplicateDetermination, cs *types.Changeset) *Doc {
	changeset := &ChangesetDoc{NewReference: cs.NewReference}
	for _, t := range cs.AddedIdentifierTypes {
		changeset.AddedIdentifierTypes = append(changeset.AddedIdentifierTypes, string(t))
	}
	for _, t := range cs.AddedEnhancementTypes {
		changeset.AddedEnhancementTypes = append(changeset.AddedEnhancementTypes, string(t))
	}
	return &Doc{
		Reference: search.BuildProjection(ref, duplicates, determination),
		Changeset: changeset,
	}
}

// Change pairs a reference id with its percolation document
type Change struct {
	ReferenceID uuid.UUID
	Doc         *Doc
}

// Match is one (automation, reference) pairing produced by percolation
type Match struct {
	AutomationID uuid.UUID
	RobotID      uuid.UUID
	ReferenceID  uuid.UUID
}

// Percolator matches stored automation queries against reference changes
type Percolator struct {
	store storage.Store
}

// New creates a percolator over the automation registry
func New(store storage.Store) *Percolator {
	return &Percolator{store: store}
}

// Percolate indexes the change documents into a throwaway in-memory index
// and runs every stored automation query over it: classic percolation
// turned inside out. Slot ids map hits back to reference ids. Automations
// with unparseable queries are skipped, not fatal.
func (p *Percolator) Percolate(changes []Change) ([]Match, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PercolationDuration)

	idx, err := bleve.NewMemOnly(newPercolationMapping())
	if err != nil {
		return nil, types.WrapError(types.KindSearchQuery, err, "failed to build percolation index")
	}
	defer idx.Close()

	batch := idx.NewBatch()
	for slot, change := range changes {
		if err := batch.Index(strconv.Itoa(slot), change.Doc); err != nil {
			return nil, types.WrapError(types.KindSearchMalformed, err, "failed to index percolation doc")
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, types.WrapError(types.KindSearchMalformed, err, "failed to index percolation batch")
	}

	automations, err := p.store.ListRobotAutomations()
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("percolate")
	var matches []Match
	for _, automation := range automations {
		q, err := query.ParseQuery(automation.Query)
		if err != nil {
			logger.Warn().Err(err).Str("automation_id", automation.ID.String()).
				Msg("skipping automation with malformed query")
			continue
		}

		req := bleve.NewSearchRequestOptions(q, len(changes), 0, false)
		res, err := idx.Search(req)
		if err != nil {
			logger.Warn().Err(err).Str("automation_id", automation.ID.String()).
				Msg("skipping automation whose query failed")
			continue
		}

		for _, hit := range res.Hits {
			slot, err := strconv.Atoi(hit.ID)
			if err != nil || slot < 0 || slot >= len(changes) {
				continue
			}
			matches = append(matches, Match{
				AutomationID: automation.ID,
				RobotID:      automation.RobotID,
				ReferenceID:  changes[slot].ReferenceID,
			})
		}
	}

	metrics.PercolationMatchesTotal.Add(float64(len(matches)))
	return matches, nil
}

// EmitPending inserts pending work for each match. A match whose (robot,
// reference) already has live work is suppressed. Returns how many rows
// were created.
func (p *Percolator) EmitPending(matches []Match) (int, error) {
	created := 0
	for _, m := range matches {
		ok, err := p.store.EmitPendingEnhancement(&types.PendingEnhancement{
			ID:          uuid.New(),
			ReferenceID: m.ReferenceID,
			RobotID:     m.RobotID,
			Source:      "automation:" + m.AutomationID.String(),
			Status:      types.PendingStatusPending,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
			metrics.PendingEnhancements.WithLabelValues(string(types.PendingStatusPending)).Inc()
		}
	}
	return created, nil
}

// newPercolationMapping nests the reference document mapping beside the
// changeset fields
func newPercolationMapping() mapping.IndexMapping {
	keyword := bleve.NewKeywordFieldMapping()
	boolean := bleve.NewBooleanFieldMapping()

	changeset := bleve.NewDocumentMapping()
	changeset.AddFieldMappingsAt("new_reference", boolean)
	changeset.AddFieldMappingsAt("added_identifier_types", keyword)
	changeset.AddFieldMappingsAt("added_enhancement_types", keyword)

	doc := bleve.NewDocumentMapping()
	doc.AddSubDocumentMapping("reference", search.NewReferenceDocMapping())
	doc.AddSubDocumentMapping("changeset", changeset)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}
