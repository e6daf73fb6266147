package acl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// validate is shared; validator instances cache struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

// ReferenceWire is the external shape of one import artifact line
type ReferenceWire struct {
	ID           *uuid.UUID        `json:"id,omitempty"`
	Visibility   string            `json:"visibility" validate:"required,oneof=public restricted hidden"`
	Identifiers  []IdentifierWire  `json:"identifiers" validate:"required,min=1,dive"`
	Enhancements []EnhancementWire `json:"enhancements" validate:"dive"`
}

// IdentifierWire is the tagged external identifier shape
type IdentifierWire struct {
	IdentifierType      string `json:"identifier_type" validate:"required,oneof=doi pm_id open_alex other"`
	Identifier          string `json:"identifier" validate:"required"`
	OtherIdentifierName string `json:"other_identifier_name,omitempty"`
}

// EnhancementWire is the external enhancement shape
type EnhancementWire struct {
	ID           *uuid.UUID  `json:"id,omitempty"`
	Source       string      `json:"source" validate:"required"`
	Visibility   string      `json:"visibility" validate:"required,oneof=public restricted hidden"`
	RobotVersion string      `json:"robot_version,omitempty"`
	DerivedFrom  []uuid.UUID `json:"derived_from,omitempty"`
	Content      ContentWire `json:"content" validate:"required"`
}

// ContentWire is the tagged enhancement content union on the wire. The
// discriminator is enhancement_type; which other fields are meaningful
// depends on it, so cross-field checks live in the translation below.
type ContentWire struct {
	EnhancementType string `json:"enhancement_type" validate:"required,oneof=bibliographic abstract annotation location"`

	// bibliographic
	Title           string   `json:"title,omitempty"`
	Authors         []string `json:"authors,omitempty"`
	PublicationYear int      `json:"publication_year,omitempty"`
	PublicationDate string   `json:"publication_date,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`

	// abstract
	Abstract string `json:"abstract,omitempty"`

	// annotation
	Annotations []AnnotationWire `json:"annotations,omitempty" validate:"dive"`

	// location
	LandingPageURL string `json:"landing_page_url,omitempty"`
	PDFURL         string `json:"pdf_url,omitempty"`
}

// AnnotationWire is one labelled judgement on the wire
type AnnotationWire struct {
	Scheme string  `json:"annotation_scheme" validate:"required"`
	Label  string  `json:"label" validate:"required"`
	Value  string  `json:"value,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// RobotResultWire is one line of a robot's result artifact: either an
// enhancement for a reference or a per-reference error, never both.
type RobotResultWire struct {
	ReferenceID uuid.UUID        `json:"reference_id" validate:"required"`
	Enhancement *EnhancementWire `json:"enhancement,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// RobotBatchRequestWire is the body POSTed to a robot's /batch/ endpoint
type RobotBatchRequestWire struct {
	ID                  uuid.UUID       `json:"id"`
	ReferenceStorageURL string          `json:"reference_storage_url"`
	ResultStorageURL    string          `json:"result_storage_url"`
	ExtraFields         json.RawMessage `json:"extra_fields,omitempty"`
}

// ParseReference decodes and validates one artifact line into the domain
func ParseReference(data []byte) (*types.Reference, error) {
	var wire ReferenceWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, types.WrapError(types.KindInvalidPayload, err, "malformed reference json")
	}
	return ReferenceToDomain(&wire)
}

// ReferenceToDomain validates a wire reference and translates it
func ReferenceToDomain(wire *ReferenceWire) (*types.Reference, error) {
	if err := validate.Struct(wire); err != nil {
		return nil, types.WrapError(types.KindInvalidPayload, err, "reference failed validation: %s", fieldDetail(err))
	}

	ref := &types.Reference{
		ID:         types.NewReferenceID(),
		Visibility: types.Visibility(wire.Visibility),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if wire.ID != nil {
		ref.ID = *wire.ID
	}

	seen := make(map[string]bool)
	for i, iw := range wire.Identifiers {
		id, err := IdentifierToDomain(&iw)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidPayload, err, "identifiers[%d]", i)
		}
		if seen[id.Key()] {
			return nil, types.InvalidPayloadError("identifiers[%d]: duplicate identifier %s", i, id.Key())
		}
		seen[id.Key()] = true
		ref.Identifiers = append(ref.Identifiers, id)
	}

	for i, ew := range wire.Enhancements {
		enh, err := EnhancementToDomain(&ew, ref.ID)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidPayload, err, "enhancements[%d]", i)
		}
		ref.Enhancements = append(ref.Enhancements, enh)
	}
	return ref, nil
}

// IdentifierToDomain translates one wire identifier
func IdentifierToDomain(wire *IdentifierWire) (*types.Identifier, error) {
	t := types.IdentifierType(wire.IdentifierType)
	if t == types.IdentifierOther && wire.OtherIdentifierName == "" {
		return nil, types.InvalidPayloadError("other identifier requires other_identifier_name")
	}
	if t != types.IdentifierOther && wire.OtherIdentifierName != "" {
		return nil, types.InvalidPayloadError("other_identifier_name is only valid for type other")
	}
	value := wire.Identifier
	if t == types.IdentifierDOI {
		value = NormalizeDOI(value)
	}
	return &types.Identifier{
		ID:        uuid.New(),
		Type:      t,
		Value:     value,
		OtherName: wire.OtherIdentifierName,
	}, nil
}

// EnhancementToDomain validates and translates one wire enhancement
func EnhancementToDomain(wire *EnhancementWire, referenceID uuid.UUID) (*types.Enhancement, error) {
	if err := validate.Struct(wire); err != nil {
		return nil, types.WrapError(types.KindInvalidPayload, err, "enhancement failed validation: %s", fieldDetail(err))
	}
	content, err := ContentToDomain(&wire.Content)
	if err != nil {
		return nil, err
	}
	enh := &types.Enhancement{
		ID:           uuid.New(),
		ReferenceID:  referenceID,
		Source:       wire.Source,
		Visibility:   types.Visibility(wire.Visibility),
		RobotVersion: wire.RobotVersion,
		DerivedFrom:  wire.DerivedFrom,
		Content:      *content,
		CreatedAt:    time.Now(),
	}
	if wire.ID != nil {
		enh.ID = *wire.ID
	}
	return enh, nil
}

// ContentToDomain translates the tagged content union, enforcing that the
// payload matches the discriminator
func ContentToDomain(wire *ContentWire) (*types.EnhancementContent, error) {
	switch types.EnhancementType(wire.EnhancementType) {
	case types.EnhancementBibliographic:
		bib := &types.BibliographicContent{
			Title:           wire.Title,
			Authors:         wire.Authors,
			PublicationYear: wire.PublicationYear,
			Publisher:       wire.Publisher,
		}
		if wire.PublicationDate != "" {
			date, err := time.Parse("2006-01-02", wire.PublicationDate)
			if err != nil {
				return nil, types.InvalidPayloadError("publication_date %q is not YYYY-MM-DD", wire.PublicationDate)
			}
			bib.PublicationDate = &date
		}
		return &types.EnhancementContent{Type: types.EnhancementBibliographic, Bibliographic: bib}, nil

	case types.EnhancementAbstract:
		if wire.Abstract == "" {
			return nil, types.InvalidPayloadError("abstract content requires abstract text")
		}
		return &types.EnhancementContent{
			Type:     types.EnhancementAbstract,
			Abstract: &types.AbstractContent{Text: wire.Abstract},
		}, nil

	case types.EnhancementAnnotation:
		if len(wire.Annotations) == 0 {
			return nil, types.InvalidPayloadError("annotation content requires at least one annotation")
		}
		content := &types.AnnotationContent{}
		for _, aw := range wire.Annotations {
			content.Annotations = append(content.Annotations, types.Annotation{
				Scheme: aw.Scheme,
				Label:  aw.Label,
				Value:  aw.Value,
				Score:  aw.Score,
			})
		}
		return &types.EnhancementContent{Type: types.EnhancementAnnotation, Annotation: content}, nil

	case types.EnhancementLocation:
		if wire.LandingPageURL == "" && wire.PDFURL == "" {
			return nil, types.InvalidPayloadError("location content requires at least one url")
		}
		return &types.EnhancementContent{
			Type: types.EnhancementLocation,
			Location: &types.LocationContent{
				LandingPageURL: wire.LandingPageURL,
				PDFURL:         wire.PDFURL,
			},
		}, nil
	}
	return nil, types.InvalidPayloadError("unknown enhancement_type %q", wire.EnhancementType)
}

// ReferenceToWire projects a domain reference onto the wire shape, used
// when hydrating reference artifacts for robots
func ReferenceToWire(ref *types.Reference) *ReferenceWire {
	wire := &ReferenceWire{
		ID:         &ref.ID,
		Visibility: string(ref.Visibility),
	}
	for _, id := range ref.Identifiers {
		wire.Identifiers = append(wire.Identifiers, IdentifierWire{
			IdentifierType:      string(id.Type),
			Identifier:          id.Value,
			OtherIdentifierName: id.OtherName,
		})
	}
	for _, enh := range ref.Enhancements {
		wire.Enhancements = append(wire.Enhancements, *EnhancementToWire(enh))
	}
	return wire
}

// EnhancementToWire projects a domain enhancement onto the wire shape
func EnhancementToWire(enh *types.Enhancement) *EnhancementWire {
	wire := &EnhancementWire{
		ID:           &enh.ID,
		Source:       enh.Source,
		Visibility:   string(enh.Visibility),
		RobotVersion: enh.RobotVersion,
		DerivedFrom:  enh.DerivedFrom,
		Content:      ContentWire{EnhancementType: string(enh.Content.Type)},
	}
	switch enh.Content.Type {
	case types.EnhancementBibliographic:
		if bib := enh.Content.Bibliographic; bib != nil {
			wire.Content.Title = bib.Title
			wire.Content.Authors = bib.Authors
			wire.Content.PublicationYear = bib.PublicationYear
			wire.Content.Publisher = bib.Publisher
			if bib.PublicationDate != nil {
				wire.Content.PublicationDate = bib.PublicationDate.Format("2006-01-02")
			}
		}
	case types.EnhancementAbstract:
		if a := enh.Content.Abstract; a != nil {
			wire.Content.Abstract = a.Text
		}
	case types.EnhancementAnnotation:
		if an := enh.Content.Annotation; an != nil {
			for _, a := range an.Annotations {
				wire.Content.Annotations = append(wire.Content.Annotations, AnnotationWire{
					Scheme: a.Scheme,
					Label:  a.Label,
					Value:  a.Value,
					Score:  a.Score,
				})
			}
		}
	case types.EnhancementLocation:
		if loc := enh.Content.Location; loc != nil {
			wire.Content.LandingPageURL = loc.LandingPageURL
			wire.Content.PDFURL = loc.PDFURL
		}
	}
	return wire
}

// ParseRobotResult decodes and validates one robot result artifact line
func ParseRobotResult(data []byte) (*RobotResultWire, error) {
	var wire RobotResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, types.WrapError(types.KindInvalidPayload, err, "malformed robot result json")
	}
	if wire.ReferenceID == uuid.Nil {
		return nil, types.InvalidPayloadError("robot result requires reference_id")
	}
	if (wire.Enhancement == nil) == (wire.Error == "") {
		return nil, types.InvalidPayloadError("robot result requires exactly one of enhancement or error")
	}
	return &wire, nil
}

// NormalizeDOI lowercases a DOI and strips resolver prefixes so the same
// work ingested from different sources shares one identifier key
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(strings.ToLower(doi))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "doi:"} {
		doi = strings.TrimPrefix(doi, prefix)
	}
	return doi
}

// fieldDetail flattens validator errors into the field-level detail string
// carried on 422 responses
func fieldDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
