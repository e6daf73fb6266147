package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Visibility controls who may see a reference or enhancement
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityHidden     Visibility = "hidden"
)

// IdentifierType defines the kind of external identifier
type IdentifierType string

const (
	IdentifierDOI      IdentifierType = "doi"
	IdentifierPubMed   IdentifierType = "pm_id"
	IdentifierOpenAlex IdentifierType = "open_alex"
	IdentifierOther    IdentifierType = "other"
)

// Identifier is an external identifier owned by exactly one reference.
// Uniqueness across the corpus is on (Type, Value, OtherName).
type Identifier struct {
	ID        uuid.UUID
	Type      IdentifierType
	Value     string
	OtherName string // only set when Type == other
}

// Key returns the corpus-wide uniqueness key for this identifier
func (i *Identifier) Key() string {
	return string(i.Type) + "|" + i.Value + "|" + i.OtherName
}

// EnhancementType discriminates the enhancement content union
type EnhancementType string

const (
	EnhancementBibliographic EnhancementType = "bibliographic"
	EnhancementAbstract      EnhancementType = "abstract"
	EnhancementAnnotation    EnhancementType = "annotation"
	EnhancementLocation      EnhancementType = "location"
)

// BibliographicContent carries core bibliographic metadata
type BibliographicContent struct {
	Title           string
	Authors         []string
	PublicationYear int
	PublicationDate *time.Time
	Publisher       string
}

// Year resolves the publication year, falling back to the publication date
func (c *BibliographicContent) Year() int {
	if c.PublicationYear != 0 {
		return c.PublicationYear
	}
	if c.PublicationDate != nil {
		return c.PublicationDate.Year()
	}
	return 0
}

// AbstractContent carries the reference abstract
type AbstractContent struct {
	Text string
}

// Annotation is a single labelled judgement about a reference
type Annotation struct {
	Scheme string
	Label  string
	Value  string
	Score  float64
}

// AnnotationContent carries a list of annotations
type AnnotationContent struct {
	Annotations []Annotation
}

// LocationContent carries resolvable locations for the work
type LocationContent struct {
	LandingPageURL string
	PDFURL         string
}

// EnhancementContent is a tagged union over the four content variants.
// Exactly one payload matching Type is non-nil; downstream code switches
// on Type and never reflects over payloads.
type EnhancementContent struct {
	Type          EnhancementType
	Bibliographic *BibliographicContent `json:",omitempty"`
	Abstract      *AbstractContent      `json:",omitempty"`
	Annotation    *AnnotationContent    `json:",omitempty"`
	Location      *LocationContent      `json:",omitempty"`
}

// Fingerprint returns a stable digest of the content payload, used for
// exact-duplicate detection and defensive merges.
func (c *EnhancementContent) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Enhancement is a unit of enrichment attached to a reference.
// Uniqueness within a reference is on (Content.Type, Source).
type Enhancement struct {
	ID           uuid.UUID
	ReferenceID  uuid.UUID
	Source       string
	Visibility   Visibility
	RobotVersion string
	DerivedFrom  []uuid.UUID
	Content      EnhancementContent
	CreatedAt    time.Time
}

// Key returns the within-reference uniqueness key (content type, source)
func (e *Enhancement) Key() string {
	return string(e.Content.Type) + "|" + e.Source
}

// Reference is the canonical unit of the corpus. It always owns at least
// one identifier; it is never hard-deleted. A reference that becomes a
// duplicate is retained as a shadow behind its canonical.
type Reference struct {
	ID           uuid.UUID
	Visibility   Visibility
	Identifiers  []*Identifier
	Enhancements []*Enhancement
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdentifierKeys returns the sorted identifier uniqueness keys
func (r *Reference) IdentifierKeys() []string {
	keys := make([]string, 0, len(r.Identifiers))
	for _, id := range r.Identifiers {
		keys = append(keys, id.Key())
	}
	sort.Strings(keys)
	return keys
}

// Identifier returns the first identifier of the given type, or nil
func (r *Reference) Identifier(t IdentifierType) *Identifier {
	for _, id := range r.Identifiers {
		if id.Type == t {
			return id
		}
	}
	return nil
}

// LatestBibliographic returns the most recently created bibliographic
// enhancement content, or nil when the reference has none.
func (r *Reference) LatestBibliographic() *BibliographicContent {
	var latest *Enhancement
	for _, e := range r.Enhancements {
		if e.Content.Type != EnhancementBibliographic || e.Content.Bibliographic == nil {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Content.Bibliographic
}

// Abstract returns the text of the first abstract enhancement, or ""
func (r *Reference) Abstract() string {
	for _, e := range r.Enhancements {
		if e.Content.Type == EnhancementAbstract && e.Content.Abstract != nil {
			return e.Content.Abstract.Text
		}
	}
	return ""
}

// CollisionPolicy controls how an import merges into an existing reference
type CollisionPolicy string

const (
	// CollisionOverwrite replaces enhancements, preserving the merged identifier set
	CollisionOverwrite CollisionPolicy = "overwrite"
	// CollisionAppend concatenates incoming enhancements
	CollisionAppend CollisionPolicy = "append"
	// CollisionMergeDefensive keeps the existing enhancement on a (type, source) collision
	CollisionMergeDefensive CollisionPolicy = "merge_defensive"
	// CollisionMergeAggressive prefers the incoming enhancement on a collision
	CollisionMergeAggressive CollisionPolicy = "merge_aggressive"
)

// Changeset records the delta just applied to a reference. Percolation
// documents carry it so automations can match on "this change added X"
// rather than only "this reference now has X".
type Changeset struct {
	NewReference          bool
	AddedIdentifierTypes  []IdentifierType
	AddedEnhancementTypes []EnhancementType
}

// NormalizeAuthor lowercases and collapses whitespace in an author name
func NormalizeAuthor(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// NewReferenceID returns a time-ordered 128-bit id for a new reference
func NewReferenceID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does
		return uuid.New()
	}
	return id
}
