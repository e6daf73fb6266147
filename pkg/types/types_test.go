package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierKey(t *testing.T) {
	tests := []struct {
		name     string
		ident    Identifier
		expected string
	}{
		{
			name:     "doi",
			ident:    Identifier{Type: IdentifierDOI, Value: "10.1/x"},
			expected: "doi|10.1/x|",
		},
		{
			name:     "other with name",
			ident:    Identifier{Type: IdentifierOther, Value: "abc", OtherName: "arxiv"},
			expected: "other|abc|arxiv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ident.Key())
		})
	}
}

func TestEnhancementKey(t *testing.T) {
	e := &Enhancement{
		Source:  "openalex",
		Content: EnhancementContent{Type: EnhancementAbstract, Abstract: &AbstractContent{Text: "x"}},
	}
	assert.Equal(t, "abstract|openalex", e.Key())
}

func TestContentFingerprintStable(t *testing.T) {
	a := EnhancementContent{Type: EnhancementAbstract, Abstract: &AbstractContent{Text: "same"}}
	b := EnhancementContent{Type: EnhancementAbstract, Abstract: &AbstractContent{Text: "same"}}
	c := EnhancementContent{Type: EnhancementAbstract, Abstract: &AbstractContent{Text: "different"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestBibliographicYearFallback(t *testing.T) {
	date := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		content  BibliographicContent
		expected int
	}{
		{"explicit year wins", BibliographicContent{PublicationYear: 2024, PublicationDate: &date}, 2024},
		{"date fallback", BibliographicContent{PublicationDate: &date}, 2023},
		{"neither", BibliographicContent{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.content.Year())
		})
	}
}

func TestLatestBibliographic(t *testing.T) {
	old := &Enhancement{
		CreatedAt: time.Now().Add(-time.Hour),
		Content: EnhancementContent{
			Type:          EnhancementBibliographic,
			Bibliographic: &BibliographicContent{Title: "old title"},
		},
	}
	recent := &Enhancement{
		CreatedAt: time.Now(),
		Content: EnhancementContent{
			Type:          EnhancementBibliographic,
			Bibliographic: &BibliographicContent{Title: "new title"},
		},
	}
	ref := &Reference{Enhancements: []*Enhancement{old, recent}}

	bib := ref.LatestBibliographic()
	require.NotNil(t, bib)
	assert.Equal(t, "new title", bib.Title)
}

func TestDeriveRequestStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []PendingStatus
		expected EnhancementRequestStatus
	}{
		{"none materialized", nil, RequestReceived},
		{"all completed", []PendingStatus{PendingStatusCompleted, PendingStatusCompleted}, RequestCompleted},
		{"pending no failures", []PendingStatus{PendingStatusPending, PendingStatusProcessing}, RequestAccepted},
		{"any importing", []PendingStatus{PendingStatusImporting, PendingStatusCompleted}, RequestImporting},
		{"any indexing", []PendingStatus{PendingStatusIndexing, PendingStatusCompleted}, RequestIndexing},
		{"failed and completed", []PendingStatus{PendingStatusFailed, PendingStatusCompleted}, RequestPartialFailed},
		{"all failed", []PendingStatus{PendingStatusFailed, PendingStatusExpired}, RequestFailed},
		{"failed but still in flight", []PendingStatus{PendingStatusFailed, PendingStatusPending}, RequestAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveRequestStatus(tt.statuses))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	err := IntegrityError("identifier %s already claimed", "doi|10.1/x|")
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.True(t, IsTransient(err))

	nf := NotFoundError("reference not found")
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsTransient(nf))

	invalid := InvalidPayloadError("zero identifiers")
	assert.False(t, IsTransient(invalid))
	assert.Equal(t, KindInvalidPayload, KindOf(invalid))

	// wrapped errors keep their classification
	wrapped := WrapError(KindProjection, nf, "projecting reference")
	assert.Equal(t, KindProjection, KindOf(wrapped))
}

func TestNewReferenceIDTimeOrdered(t *testing.T) {
	a := NewReferenceID()
	time.Sleep(2 * time.Millisecond)
	b := NewReferenceID()

	// UUIDv7 sorts lexicographically by creation time
	assert.Less(t, a.String(), b.String())
}

func TestNormalizeAuthor(t *testing.T) {
	assert.Equal(t, "jane q doe", NormalizeAuthor("  Jane   Q  DOE "))
}
