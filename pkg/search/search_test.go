package search

import (
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	idx, err := bleve.NewMemOnly(NewIndexMapping())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return NewStore(idx)
}

func bibEnhancement(title string, year int, authors []string, createdAt time.Time) *types.Enhancement {
	return &types.Enhancement{
		ID:     uuid.New(),
		Source: "test",
		Content: types.EnhancementContent{
			Type: types.EnhancementBibliographic,
			Bibliographic: &types.BibliographicContent{
				Title:           title,
				Authors:         authors,
				PublicationYear: year,
			},
		},
		CreatedAt: createdAt,
	}
}

func newTestReference(title string, year int, authors ...string) *types.Reference {
	ref := &types.Reference{
		ID:         types.NewReferenceID(),
		Visibility: types.VisibilityPublic,
		Identifiers: []*types.Identifier{
			{ID: uuid.New(), Type: types.IdentifierDOI, Value: "10.1/" + uuid.NewString()},
		},
		CreatedAt: time.Now(),
	}
	ref.Enhancements = append(ref.Enhancements, bibEnhancement(title, year, authors, time.Now()))
	return ref
}

func project(t *testing.T, s *Store, ref *types.Reference) *ReferenceDoc {
	t.Helper()
	doc := BuildProjection(ref, nil, types.DeterminationCanonical)
	require.NoError(t, s.Project(doc))
	return doc
}

func TestBuildProjectionUnion(t *testing.T) {
	now := time.Now()
	canonical := &types.Reference{
		ID:         types.NewReferenceID(),
		Visibility: types.VisibilityPublic,
		Identifiers: []*types.Identifier{
			{Type: types.IdentifierDOI, Value: "10.1/x"},
		},
		CreatedAt: now,
	}
	canonical.Enhancements = append(canonical.Enhancements,
		bibEnhancement("Old title", 2024, []string{"Jane Doe"}, now.Add(-time.Hour)))

	duplicate := &types.Reference{
		ID: types.NewReferenceID(),
		Identifiers: []*types.Identifier{
			{Type: types.IdentifierPubMed, Value: "99"},
		},
	}
	duplicate.Enhancements = append(duplicate.Enhancements,
		bibEnhancement("New Title", 2024, []string{"John  SMITH"}, now),
		&types.Enhancement{
			ID:     uuid.New(),
			Source: "dup",
			Content: types.EnhancementContent{
				Type:     types.EnhancementAbstract,
				Abstract: &types.AbstractContent{Text: "An abstract."},
			},
		},
		&types.Enhancement{
			ID:     uuid.New(),
			Source: "classifier",
			Content: types.EnhancementContent{
				Type: types.EnhancementAnnotation,
				Annotation: &types.AnnotationContent{Annotations: []types.Annotation{
					{Scheme: "topic", Label: "health", Score: 0.8},
				}},
			},
		},
	)

	doc := BuildProjection(canonical, []*types.Reference{duplicate}, types.DeterminationCanonical)

	assert.Equal(t, canonical.ID.String(), doc.ID)
	assert.ElementsMatch(t, []string{"doi|10.1/x|", "pm_id|99|"}, doc.IdentifierKeys)
	// title comes from the latest bibliographic enhancement in the cluster
	assert.Equal(t, "New Title", doc.Title)
	assert.ElementsMatch(t, []string{"jane doe", "john smith"}, doc.Authors)
	assert.Equal(t, "An abstract.", doc.Abstract)
	assert.True(t, doc.HasAbstract)
	assert.True(t, doc.HasDOI)
	assert.Equal(t, 0.8, doc.Annotations["topic"])
	assert.Equal(t, 0.8, doc.Annotations["topic/health"])
}

func TestProjectionCollisionPrefersCanonical(t *testing.T) {
	now := time.Now()
	canonical := newTestReference("Canonical title", 2024, "Jane Doe")
	canonical.Enhancements = append(canonical.Enhancements, &types.Enhancement{
		ID:     uuid.New(),
		Source: "s",
		Content: types.EnhancementContent{
			Type:     types.EnhancementAbstract,
			Abstract: &types.AbstractContent{Text: "Canonical abstract."},
		},
		CreatedAt: now,
	})

	duplicate := &types.Reference{ID: types.NewReferenceID()}
	duplicate.Enhancements = append(duplicate.Enhancements,
		// same (abstract, "s") key, newer; the canonical's copy must still win
		&types.Enhancement{
			ID:     uuid.New(),
			Source: "s",
			Content: types.EnhancementContent{
				Type:     types.EnhancementAbstract,
				Abstract: &types.AbstractContent{Text: "Duplicate abstract."},
			},
			CreatedAt: now.Add(time.Hour),
		},
		// a colliding bibliographic record still contributes its title and
		// authors to the cluster-wide merge
		bibEnhancement("Duplicate title", 2024, []string{"John Smith"}, now.Add(time.Hour)))

	doc := BuildProjection(canonical, []*types.Reference{duplicate}, types.DeterminationCanonical)
	assert.Equal(t, "Canonical abstract.", doc.Abstract)
	assert.Equal(t, "Duplicate title", doc.Title)
	assert.ElementsMatch(t, []string{"jane doe", "john smith"}, doc.Authors)
}

func TestProjectGetDelete(t *testing.T) {
	s := newTestStore(t)
	ref := newTestReference("A study of tides", 2022, "Ada Lovelace")
	doc := project(t, s, ref)

	got, err := s.Get(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.IdentifierKeys, got.IdentifierKeys)
	assert.Equal(t, float64(2022), got.PublicationYear)

	require.NoError(t, s.Delete(doc.ID))
	_, err = s.Get(doc.ID)
	assert.True(t, types.IsNotFound(err))
}

func TestCandidates(t *testing.T) {
	s := newTestStore(t)

	target := project(t, s, newTestReference("Climate change impacts on health", 2023, "Jane Doe"))
	project(t, s, newTestReference("Climate change impacts on agriculture", 2010, "Jane Doe"))
	sausage := project(t, s, newTestReference("Frankfurt sausage shelf-life", 2023, "Franz Kafka"))

	cands, err := s.Candidates(&CandidateQuery{
		TitleTokens:  []string{"climate", "change", "impacts", "on", "public", "health"},
		AuthorTokens: []string{"doe"},
		Year:         2023,
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, cands, 1, "year window and title match must exclude the others")
	assert.Equal(t, target.ID, cands[0].Doc.ID)
	assert.Greater(t, cands[0].Score, 0.0)
	_ = sausage
}

func TestCandidatesExcludesSelfAndNonCanonical(t *testing.T) {
	s := newTestStore(t)

	self := project(t, s, newTestReference("Deep learning for tides", 2021, "Ada Lovelace"))

	dupRef := newTestReference("Deep learning for tides", 2021, "Ada Lovelace")
	dupDoc := BuildProjection(dupRef, nil, types.DeterminationDuplicate)
	require.NoError(t, s.Project(dupDoc))

	cands, err := s.Candidates(&CandidateQuery{
		TitleTokens: []string{"deep", "learning", "for", "tides"},
		Year:        2021,
		ExcludeID:   self.ID,
		Limit:       10,
	})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestUserSearchDefaultFields(t *testing.T) {
	s := newTestStore(t)
	cfg := config.Default().Search

	doc := project(t, s, newTestReference("Glacier melt acceleration", 2020, "Jane Doe"))
	project(t, s, newTestReference("Urban noise pollution", 2020, "John Smith"))

	res, err := s.UserSearch(&UserQuery{Query: "glacier"}, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, doc.ID, res.Docs[0].ID)

	// author names are covered by the default field list
	res, err = s.UserSearch(&UserQuery{Query: "smith"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Total)
}

func TestUserSearchYearFilter(t *testing.T) {
	s := newTestStore(t)
	cfg := config.Default().Search

	project(t, s, newTestReference("Glacier melt one", 2018, "A"))
	keep := project(t, s, newTestReference("Glacier melt two", 2021, "B"))

	res, err := s.UserSearch(&UserQuery{Query: "glacier", StartYear: 2020, EndYear: 2022}, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, keep.ID, res.Docs[0].ID)
}

func TestUserSearchValidation(t *testing.T) {
	s := newTestStore(t)
	cfg := config.Default().Search

	t.Run("inverted year range", func(t *testing.T) {
		_, err := s.UserSearch(&UserQuery{Query: "x", StartYear: 2024, EndYear: 2020}, cfg)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidPayload, types.KindOf(err))
	})

	t.Run("page beyond result window", func(t *testing.T) {
		_, err := s.UserSearch(&UserQuery{Query: "x", Page: 101}, cfg)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidPayload, types.KindOf(err))
	})

	t.Run("free-text sort field", func(t *testing.T) {
		_, err := s.UserSearch(&UserQuery{Query: "x", Sort: "title"}, cfg)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidPayload, types.KindOf(err))
	})

	t.Run("numeric sort accepted", func(t *testing.T) {
		_, err := s.UserSearch(&UserQuery{Query: "x", Sort: "-publication_year"}, cfg)
		assert.NoError(t, err)
	})
}

func TestUserSearchAnnotationFilter(t *testing.T) {
	s := newTestStore(t)
	cfg := config.Default().Search

	tagged := newTestReference("Oncology outcomes", 2023, "A")
	tagged.Enhancements = append(tagged.Enhancements, &types.Enhancement{
		ID:     uuid.New(),
		Source: "classifier",
		Content: types.EnhancementContent{
			Type: types.EnhancementAnnotation,
			Annotation: &types.AnnotationContent{Annotations: []types.Annotation{
				{Scheme: "topic", Label: "oncology", Score: 0.9},
			}},
		},
	})
	taggedDoc := project(t, s, tagged)
	project(t, s, newTestReference("Oncology workforce survey", 2023, "B"))

	res, err := s.UserSearch(&UserQuery{Query: "oncology", Annotation: "topic/oncology"}, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, taggedDoc.ID, res.Docs[0].ID)

	// threshold above the stored score filters it out
	res, err = s.UserSearch(&UserQuery{Query: "oncology", Annotation: "topic/oncology@0.95"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Total)

	_, err = s.UserSearch(&UserQuery{Query: "oncology", Annotation: "topic@high"}, cfg)
	assert.Error(t, err)
}
