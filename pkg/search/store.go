package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Index is the slice of the bleve surface the store needs. The index
// manager hands in a guarded alias so migrations swap beneath the store
// without interrupting readers.
type Index interface {
	Index(id string, data interface{}) error
	Delete(id string) error
	Search(req *bleve.SearchRequest) (*bleve.SearchResult, error)
	DocCount() (uint64, error)
	Close() error
}

// Store is the full-text projection of the canonical corpus
type Store struct {
	idx Index
}

// NewStore wraps an open index
func NewStore(idx Index) *Store {
	return &Store{idx: idx}
}

// Project upserts a reference document
func (s *Store) Project(doc *ReferenceDoc) error {
	if err := s.idx.Index(doc.ID, doc); err != nil {
		metrics.ProjectionsTotal.WithLabelValues("error").Inc()
		return types.WrapError(types.KindSearchMalformed, err, "failed to project reference %s", doc.ID)
	}
	metrics.ProjectionsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Delete removes a reference document; deleting an absent id is a no-op
func (s *Store) Delete(id string) error {
	if err := s.idx.Delete(id); err != nil {
		return types.WrapError(types.KindProjection, err, "failed to delete document %s", id)
	}
	return nil
}

// Get retrieves one projected document by reference id
func (s *Store) Get(id string) (*ReferenceDoc, error) {
	q := query.NewDocIDQuery([]string{id})
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = []string{"*"}

	res, err := s.idx.Search(req)
	if err != nil {
		return nil, types.WrapError(types.KindSearchQuery, err, "failed to fetch document %s", id)
	}
	if len(res.Hits) == 0 {
		return nil, types.NotFoundError("document %s not in search store", id)
	}
	return DocFromFields(id, res.Hits[0].Fields), nil
}

// Count returns the number of projected documents
func (s *Store) Count() (uint64, error) {
	return s.idx.DocCount()
}

// WalkIDs visits every projected document id in pages. The repair worker
// uses it to find documents with no backing reference.
func (s *Store) WalkIDs(fn func(id string) error) error {
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), pageSize, offset, false)
		req.SortBy([]string{"id"})
		res, err := s.idx.Search(req)
		if err != nil {
			return types.WrapError(types.KindSearchQuery, err, "document walk failed")
		}
		for _, hit := range res.Hits {
			if err := fn(hit.ID); err != nil {
				return err
			}
		}
		if len(res.Hits) < pageSize {
			return nil
		}
	}
}

// Candidate is one dedup candidate: the stored projection plus the search
// store's relevance score
type Candidate struct {
	Doc   *ReferenceDoc
	Score float64
}

// CandidateQuery describes a candidate retrieval. The caller owns title
// normalization, author-token filtering, and the collaboration guard; the
// store only executes.
type CandidateQuery struct {
	TitleTokens []string
	// AuthorTokens is empty when the collaboration guard tripped
	AuthorTokens []string
	Year         int
	ExcludeID    string
	Limit        int
}

// Candidates retrieves dedup candidates: fuzzy title match with half the
// tokens required, optional author boost, year window filter, canonical
// determination filter.
func (s *Store) Candidates(cq *CandidateQuery) ([]Candidate, error) {
	if len(cq.TitleTokens) == 0 {
		return nil, nil
	}

	titleQ := query.NewDisjunctionQuery(nil)
	for _, token := range cq.TitleTokens {
		fq := query.NewFuzzyQuery(token)
		fq.SetField("title")
		fq.SetFuzziness(autoFuzziness(token))
		titleQ.AddQuery(fq)
	}
	titleQ.SetMin(float64((len(cq.TitleTokens) + 1) / 2))

	bq := bleve.NewBooleanQuery()
	bq.AddMust(titleQ)

	if len(cq.AuthorTokens) > 0 {
		authorQ := query.NewDisjunctionQuery(nil)
		for _, token := range cq.AuthorTokens {
			mq := bleve.NewMatchQuery(token)
			mq.SetField("authors")
			authorQ.AddQuery(mq)
		}
		bq.AddShould(authorQ)
	}

	minYear := float64(cq.Year - 1)
	maxYear := float64(cq.Year + 1)
	inclusive := true
	yearQ := query.NewNumericRangeInclusiveQuery(&minYear, &maxYear, &inclusive, &inclusive)
	yearQ.SetField("publication_year")
	bq.AddMust(yearQ)

	detQ := query.NewTermQuery(string(types.DeterminationCanonical))
	detQ.SetField("determination")
	bq.AddMust(detQ)

	if cq.ExcludeID != "" {
		bq.AddMustNot(query.NewDocIDQuery([]string{cq.ExcludeID}))
	}

	limit := cq.Limit
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequestOptions(bq, limit, 0, false)
	req.Fields = []string{"*"}

	timer := metrics.NewTimer()
	res, err := s.idx.Search(req)
	timer.ObserveDuration(metrics.CandidateRetrievalDuration)
	if err != nil {
		return nil, types.WrapError(types.KindSearchQuery, err, "candidate retrieval failed")
	}

	candidates := make([]Candidate, 0, len(res.Hits))
	for _, hit := range res.Hits {
		candidates = append(candidates, Candidate{
			Doc:   DocFromFields(hit.ID, hit.Fields),
			Score: hit.Score,
		})
	}
	return candidates, nil
}

// autoFuzziness mirrors the AUTO edit-distance ramp: exact for short
// tokens, one edit up to five chars, two beyond
func autoFuzziness(token string) int {
	switch {
	case len(token) <= 2:
		return 0
	case len(token) <= 5:
		return 1
	}
	return 2
}
