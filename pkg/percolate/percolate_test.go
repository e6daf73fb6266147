package percolate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

func newTestPercolator(t *testing.T) (*Percolator, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func registerAutomation(t *testing.T, store storage.Store, robotID uuid.UUID, queryJSON string) *types.RobotAutomation {
	t.Helper()
	a := &types.RobotAutomation{
		ID:        uuid.New(),
		RobotID:   robotID,
		Query:     json.RawMessage(queryJSON),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateRobotAutomation(a))
	return a
}

func referenceWithTitle(title string, withAbstract bool) *types.Reference {
	ref := &types.Reference{
		ID:         types.NewReferenceID(),
		Visibility: types.VisibilityPublic,
		Identifiers: []*types.Identifier{
			{ID: uuid.New(), Type: types.IdentifierOther, Value: "x", OtherName: "local"},
		},
		CreatedAt: time.Now(),
	}
	ref.Enhancements = append(ref.Enhancements, &types.Enhancement{
		ID:     uuid.New(),
		Source: "test",
		Content: types.EnhancementContent{
			Type:          types.EnhancementBibliographic,
			Bibliographic: &types.BibliographicContent{Title: title, PublicationYear: 2024},
		},
		CreatedAt: time.Now(),
	})
	if withAbstract {
		ref.Enhancements = append(ref.Enhancements, &types.Enhancement{
			ID:     uuid.New(),
			Source: "test",
			Content: types.EnhancementContent{
				Type:     types.EnhancementAbstract,
				Abstract: &types.AbstractContent{Text: "text"},
			},
		})
	}
	return ref
}

// the automation from the dispatch scenarios: fire when a change adds a
// DOI to a reference that still has no abstract
const doiNoAbstractQuery = `{
	"conjuncts": [
		{"field": "changeset.added_identifier_types", "term": "doi"},
		{"field": "reference.has_abstract", "bool": false}
	]
}`

func TestPercolateMatchesDOIAddition(t *testing.T) {
	p, store := newTestPercolator(t)
	robotID := uuid.New()
	automation := registerAutomation(t, store, robotID, doiNoAbstractQuery)

	noDOI := referenceWithTitle("A paper without a doi", false)
	gainedDOI := referenceWithTitle("A paper that just gained a doi", false)
	gainedDOI.Identifiers = append(gainedDOI.Identifiers, &types.Identifier{
		ID: uuid.New(), Type: types.IdentifierDOI, Value: "10.1/x",
	})
	gainedDOIWithAbstract := referenceWithTitle("Already has an abstract", true)
	gainedDOIWithAbstract.Identifiers = append(gainedDOIWithAbstract.Identifiers, &types.Identifier{
		ID: uuid.New(), Type: types.IdentifierDOI, Value: "10.1/y",
	})

	changes := []Change{
		{
			ReferenceID: noDOI.ID,
			Doc: BuildDoc(noDOI, nil, types.DeterminationCanonical,
				&types.Changeset{NewReference: true, AddedIdentifierTypes: []types.IdentifierType{types.IdentifierOther}}),
		},
		{
			ReferenceID: gainedDOI.ID,
			Doc: BuildDoc(gainedDOI, nil, types.DeterminationCanonical,
				&types.Changeset{AddedIdentifierTypes: []types.IdentifierType{types.IdentifierDOI}}),
		},
		{
			ReferenceID: gainedDOIWithAbstract.ID,
			Doc: BuildDoc(gainedDOIWithAbstract, nil, types.DeterminationCanonical,
				&types.Changeset{AddedIdentifierTypes: []types.IdentifierType{types.IdentifierDOI}}),
		},
	}

	matches, err := p.Percolate(changes)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, gainedDOI.ID, matches[0].ReferenceID)
	assert.Equal(t, robotID, matches[0].RobotID)
	assert.Equal(t, automation.ID, matches[0].AutomationID)
}

func TestPercolateNewReferenceQuery(t *testing.T) {
	p, store := newTestPercolator(t)
	robotID := uuid.New()
	registerAutomation(t, store, robotID, `{"field": "changeset.new_reference", "bool": true}`)

	fresh := referenceWithTitle("Fresh", false)
	merged := referenceWithTitle("Merged", false)

	matches, err := p.Percolate([]Change{
		{ReferenceID: fresh.ID, Doc: BuildDoc(fresh, nil, types.DeterminationCanonical, &types.Changeset{NewReference: true})},
		{ReferenceID: merged.ID, Doc: BuildDoc(merged, nil, types.DeterminationCanonical, &types.Changeset{})},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fresh.ID, matches[0].ReferenceID)
}

func TestPercolateSkipsMalformedAutomation(t *testing.T) {
	p, store := newTestPercolator(t)
	registerAutomation(t, store, uuid.New(), `{"not a query": []}`)
	good := registerAutomation(t, store, uuid.New(), `{"field": "changeset.new_reference", "bool": true}`)

	ref := referenceWithTitle("Fresh", false)
	matches, err := p.Percolate([]Change{
		{ReferenceID: ref.ID, Doc: BuildDoc(ref, nil, types.DeterminationCanonical, &types.Changeset{NewReference: true})},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, good.ID, matches[0].AutomationID)
}

func TestPercolateEmptyChanges(t *testing.T) {
	p, _ := newTestPercolator(t)
	matches, err := p.Percolate(nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEmitPendingSuppressesLiveWork(t *testing.T) {
	p, store := newTestPercolator(t)
	robotID := uuid.New()
	refID := types.NewReferenceID()
	match := Match{AutomationID: uuid.New(), RobotID: robotID, ReferenceID: refID}

	created, err := p.EmitPending([]Match{match})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// same (robot, reference) with live work: suppressed
	created, err = p.EmitPending([]Match{match})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	// different robot: emitted
	other := Match{AutomationID: uuid.New(), RobotID: uuid.New(), ReferenceID: refID}
	created, err = p.EmitPending([]Match{other})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	_ = store
}
