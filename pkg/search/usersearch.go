package search

import (
	"math"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// UserQuery is a user-facing search request
type UserQuery struct {
	// Query is Lucene-style syntax; without an explicit field it expands
	// against the configured default field list
	Query string
	Page  int
	Sort  string
	// Annotation filters on scheme[/label][@score]
	Annotation string
	StartYear  int
	EndYear    int
}

// Result is one page of search hits
type Result struct {
	Total    uint64
	Page     int
	PageSize int
	Docs     []*ReferenceDoc
}

// sortableFields are the keyword/numeric fields a user may sort on.
// Analyzed text fields are rejected.
var sortableFields = map[string]bool{
	"_score":           true,
	"id":               true,
	"publication_year": true,
	"created_at":       true,
	"visibility":       true,
}

// UserSearch runs a paged query against the projected corpus
func (s *Store) UserSearch(uq *UserQuery, cfg config.Search) (*Result, error) {
	page := uq.Page
	if page <= 0 {
		page = 1
	}
	size := cfg.PageSize
	if page*size > cfg.MaxResultWindow {
		return nil, types.InvalidPayloadError(
			"page %d exceeds the %d-result window", page, cfg.MaxResultWindow)
	}
	if uq.StartYear != 0 && uq.EndYear != 0 && uq.StartYear > uq.EndYear {
		return nil, types.InvalidPayloadError(
			"start_year %d is after end_year %d", uq.StartYear, uq.EndYear)
	}

	bq := bleve.NewBooleanQuery()
	bq.AddMust(buildTextQuery(uq.Query, cfg.DefaultFields))

	if uq.StartYear != 0 || uq.EndYear != 0 {
		bq.AddMust(yearRangeQuery(uq.StartYear, uq.EndYear))
	}

	if uq.Annotation != "" {
		annQ, err := annotationQuery(uq.Annotation)
		if err != nil {
			return nil, err
		}
		bq.AddMust(annQ)
	}

	req := bleve.NewSearchRequestOptions(bq, size, (page-1)*size, false)
	req.Fields = []string{"*"}

	if uq.Sort != "" {
		field := strings.TrimPrefix(uq.Sort, "-")
		if !sortableFields[field] {
			return nil, types.InvalidPayloadError("field %q is not sortable", field)
		}
		req.SortBy([]string{uq.Sort})
	}

	res, err := s.idx.Search(req)
	if err != nil {
		return nil, types.WrapError(types.KindSearchQuery, err, "search failed")
	}

	result := &Result{Total: res.Total, Page: page, PageSize: size}
	for _, hit := range res.Hits {
		result.Docs = append(result.Docs, DocFromFields(hit.ID, hit.Fields))
	}
	return result, nil
}

// buildTextQuery parses a Lucene-style query. A fielded query goes through
// the query-string parser untouched; a bare-terms query expands into a
// disjunction over the default field list.
func buildTextQuery(q string, defaultFields []string) query.Query {
	q = strings.TrimSpace(q)
	if q == "" {
		return bleve.NewMatchAllQuery()
	}
	if strings.ContainsRune(q, ':') {
		return bleve.NewQueryStringQuery(q)
	}
	dq := query.NewDisjunctionQuery(nil)
	for _, field := range defaultFields {
		mq := bleve.NewMatchQuery(q)
		mq.SetField(field)
		dq.AddQuery(mq)
	}
	return dq
}

func yearRangeQuery(start, end int) query.Query {
	var min, max *float64
	if start != 0 {
		v := float64(start)
		min = &v
	}
	if end != 0 {
		v := float64(end)
		max = &v
	}
	inclusive := true
	q := query.NewNumericRangeInclusiveQuery(min, max, &inclusive, &inclusive)
	q.SetField("publication_year")
	return q
}

// annotationQuery builds the filter for scheme[/label][@score]: the tagged
// annotation must exist and, when a score is given, meet the threshold
func annotationQuery(spec string) (query.Query, error) {
	tag := spec
	min := -math.MaxFloat64
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		threshold, err := strconv.ParseFloat(spec[at+1:], 64)
		if err != nil {
			return nil, types.InvalidPayloadError("annotation score %q is not numeric", spec[at+1:])
		}
		tag = spec[:at]
		min = threshold
	}
	if tag == "" {
		return nil, types.InvalidPayloadError("annotation filter requires a scheme")
	}
	inclusive := true
	q := query.NewNumericRangeInclusiveQuery(&min, nil, &inclusive, nil)
	q.SetField("annotations." + tag)
	return q, nil
}
