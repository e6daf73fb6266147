package search

import (
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// DocType is the document type indexed for references
const DocType = "reference"

// ReferenceDoc is the indexed projection of a canonical reference. For a
// canonical with duplicates it is the deduplicated union of the whole
// cluster, assembled by BuildProjection.
type ReferenceDoc struct {
	ID              string             `json:"id"`
	Visibility      string             `json:"visibility"`
	Determination   string             `json:"determination"`
	Title           string             `json:"title"`
	Abstract        string             `json:"abstract"`
	Authors         []string           `json:"authors"`
	PublicationYear float64            `json:"publication_year"`
	IdentifierKeys  []string           `json:"identifier_keys"`
	IdentifierTypes []string           `json:"identifier_types"`
	Sources         []string           `json:"sources"`
	HasAbstract     bool               `json:"has_abstract"`
	HasDOI          bool               `json:"has_doi"`
	Annotations     map[string]float64 `json:"annotations,omitempty"`
	CreatedAt       string             `json:"created_at"`
}

// Identifier returns the value of the first identifier of the given type
// carried in the projection, or ""
func (d *ReferenceDoc) Identifier(t types.IdentifierType) string {
	prefix := string(t) + "|"
	for _, key := range d.IdentifierKeys {
		if strings.HasPrefix(key, prefix) {
			rest := strings.TrimPrefix(key, prefix)
			// key layout is type|value|other_name
			if i := strings.LastIndex(rest, "|"); i >= 0 {
				return rest[:i]
			}
			return rest
		}
	}
	return ""
}

// BuildProjection assembles the indexed document for a canonical reference
// and the duplicates shadowed behind it: union of identifiers, union of
// normalized authors across the whole cluster, title and year from the
// cluster's latest bibliographic enhancement. Abstract and annotations come
// from the enhancement union deduplicated by (type, source), where the
// canonical's copy wins a collision.
func BuildProjection(canonical *types.Reference, duplicates []*types.Reference, determination types.DuplicateDetermination) *ReferenceDoc {
	doc := &ReferenceDoc{
		ID:            canonical.ID.String(),
		Visibility:    string(canonical.Visibility),
		Determination: string(determination),
		Annotations:   make(map[string]float64),
		CreatedAt:     canonical.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}

	cluster := append([]*types.Reference{canonical}, duplicates...)

	idKeys := make(map[string]bool)
	idTypes := make(map[string]bool)
	sources := make(map[string]bool)
	authors := make(map[string]bool)
	enhancements := make(map[string]*types.Enhancement)

	var latestBib *types.Enhancement
	for _, ref := range cluster {
		for _, id := range ref.Identifiers {
			idKeys[id.Key()] = true
			idTypes[string(id.Type)] = true
		}
		for _, enh := range ref.Enhancements {
			// canonical's own enhancement wins a (type, source) collision;
			// the canonical is first in the cluster
			if _, ok := enhancements[enh.Key()]; !ok {
				enhancements[enh.Key()] = enh
			}
			sources[enh.Source] = true

			// authors and the latest title are cluster-wide unions; a
			// duplicate's bibliographic record counts even when it shares a
			// (type, source) key with the canonical's
			if enh.Content.Type == types.EnhancementBibliographic && enh.Content.Bibliographic != nil {
				for _, a := range enh.Content.Bibliographic.Authors {
					authors[types.NormalizeAuthor(a)] = true
				}
				if latestBib == nil || enh.CreatedAt.After(latestBib.CreatedAt) {
					latestBib = enh
				}
			}
		}
	}

	for _, enh := range enhancements {
		switch enh.Content.Type {
		case types.EnhancementAbstract:
			if enh.Content.Abstract != nil && doc.Abstract == "" {
				doc.Abstract = enh.Content.Abstract.Text
			}
		case types.EnhancementAnnotation:
			if enh.Content.Annotation == nil {
				continue
			}
			for _, a := range enh.Content.Annotation.Annotations {
				addAnnotation(doc.Annotations, a.Scheme, a.Score)
				if a.Label != "" {
					addAnnotation(doc.Annotations, a.Scheme+"/"+a.Label, a.Score)
				}
			}
		}
	}

	if latestBib != nil {
		bib := latestBib.Content.Bibliographic
		doc.Title = bib.Title
		doc.PublicationYear = float64(bib.Year())
	}

	doc.IdentifierKeys = sortedKeys(idKeys)
	doc.IdentifierTypes = sortedKeys(idTypes)
	doc.Sources = sortedKeys(sources)
	doc.Authors = sortedKeys(authors)
	doc.HasAbstract = doc.Abstract != ""
	doc.HasDOI = idTypes[string(types.IdentifierDOI)]
	return doc
}

func addAnnotation(m map[string]float64, tag string, score float64) {
	if existing, ok := m[tag]; !ok || score > existing {
		m[tag] = score
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewIndexMapping builds the bleve mapping for reference documents
func NewIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultMapping = NewReferenceDocMapping()
	return im
}

// NewReferenceDocMapping builds the document mapping for ReferenceDoc; the
// percolation index nests it under its reference field
func NewReferenceDocMapping() *mapping.DocumentMapping {
	text := bleve.NewTextFieldMapping()
	keyword := bleve.NewKeywordFieldMapping()
	numeric := bleve.NewNumericFieldMapping()
	boolean := bleve.NewBooleanFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("id", keyword)
	doc.AddFieldMappingsAt("visibility", keyword)
	doc.AddFieldMappingsAt("determination", keyword)
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("abstract", text)
	doc.AddFieldMappingsAt("authors", text)
	doc.AddFieldMappingsAt("publication_year", numeric)
	doc.AddFieldMappingsAt("identifier_keys", keyword)
	doc.AddFieldMappingsAt("identifier_types", keyword)
	doc.AddFieldMappingsAt("sources", keyword)
	doc.AddFieldMappingsAt("has_abstract", boolean)
	doc.AddFieldMappingsAt("has_doi", boolean)
	doc.AddFieldMappingsAt("created_at", keyword)

	// annotation tags arrive dynamically as numeric score fields
	annotations := bleve.NewDocumentMapping()
	annotations.Dynamic = true
	doc.AddSubDocumentMapping("annotations", annotations)

	return doc
}

// DocFromFields rebuilds the stored projection from a search hit's fields
func DocFromFields(id string, fields map[string]interface{}) *ReferenceDoc {
	doc := &ReferenceDoc{
		ID:              id,
		Visibility:      fieldString(fields["visibility"]),
		Determination:   fieldString(fields["determination"]),
		Title:           fieldString(fields["title"]),
		Abstract:        fieldString(fields["abstract"]),
		Authors:         fieldStrings(fields["authors"]),
		PublicationYear: fieldNumber(fields["publication_year"]),
		IdentifierKeys:  fieldStrings(fields["identifier_keys"]),
		IdentifierTypes: fieldStrings(fields["identifier_types"]),
		Sources:         fieldStrings(fields["sources"]),
		HasAbstract:     fieldBool(fields["has_abstract"]),
		HasDOI:          fieldBool(fields["has_doi"]),
		CreatedAt:       fieldString(fields["created_at"]),
	}
	for name, value := range fields {
		if tag, ok := strings.CutPrefix(name, "annotations."); ok {
			if doc.Annotations == nil {
				doc.Annotations = make(map[string]float64)
			}
			doc.Annotations[tag] = fieldNumber(value)
		}
	}
	return doc
}

// bleve collapses single-element arrays; coerce both shapes
func fieldStrings(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func fieldString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func fieldNumber(v interface{}) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func fieldBool(v interface{}) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

// ParseID converts a hit id back into the reference id
func ParseID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}
