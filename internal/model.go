package internal

import "time"

// Provider identifies an upstream source of metadata.
type Provider string

// Known providers. The cache is provider-agnostic; these only appear in
// provenance fields and response metadata.
const (
	ProviderGoogleBooks Provider = "google_books"
	ProviderOpenLibrary Provider = "open_library"
	ProviderISBNdb      Provider = "isbndb"
	ProviderVision      Provider = "ai_vision"
	ProviderMerged      Provider = "merged"
)

// ReviewStatus tracks curation state for a Work.
type ReviewStatus string

const (
	ReviewUnverified ReviewStatus = "unverified"
	ReviewVerified   ReviewStatus = "verified"
	ReviewRejected   ReviewStatus = "rejected"
)

// Format is the physical or digital form of an edition.
type Format string

const (
	FormatHardcover    Format = "Hardcover"
	FormatPaperback    Format = "Paperback"
	FormatMassMarket   Format = "MassMarket"
	FormatEbook        Format = "Ebook"
	FormatAudiobook    Format = "Audiobook"
	FormatIllustrated  Format = "Illustrated"
	FormatFirstEdition Format = "FirstEdition"
	FormatAnniversary  Format = "Anniversary"
	FormatStandard     Format = "Standard"
	FormatUnknown      Format = "Unknown"
)

// Gender as carried on Author. Enrichment happens out of band and must
// never block the primary pipeline.
type Gender string

const (
	GenderMale      Gender = "Male"
	GenderFemale    Gender = "Female"
	GenderNonBinary Gender = "NonBinary"
	GenderUnknown   Gender = "Unknown"
)

// Work is a conceptual book: one title plus its authors, independent of
// any particular publication.
type Work struct {
	Title                string       `json:"title"`
	Authors              []Author     `json:"authors,omitempty"`
	SubjectTags          []string     `json:"subjectTags,omitempty"`
	OriginalLanguage     string       `json:"originalLanguage,omitempty"`
	FirstPublicationYear int          `json:"firstPublicationYear,omitempty"`
	Description          string       `json:"description,omitempty"`
	CoverImageURL        string       `json:"coverImageURL,omitempty"`
	Synthetic            bool         `json:"synthetic,omitempty"`
	PrimaryProvider      Provider     `json:"primaryProvider,omitempty"`
	Contributors         []Provider   `json:"contributors,omitempty"`
	GoogleBooksVolumeIDs []string     `json:"googleBooksVolumeIDs,omitempty"`
	OpenLibraryWorkID    string       `json:"openLibraryWorkID,omitempty"`
	ISBNdbQuality        int          `json:"isbndbQuality,omitempty"`
	ReviewStatus         ReviewStatus `json:"reviewStatus,omitempty"`
	Editions             []Edition    `json:"editions,omitempty"`
}

// Edition is a specific publication of a Work, keyed by ISBN.
type Edition struct {
	ISBN                 string     `json:"isbn,omitempty"`
	ISBNs                []string   `json:"isbns,omitempty"`
	Title                string     `json:"title"`
	Publisher            string     `json:"publisher,omitempty"`
	PublicationDate      string     `json:"publicationDate,omitempty"`
	PublicationYear      int        `json:"publicationYear,omitempty"`
	PageCount            int        `json:"pageCount,omitempty"`
	Format               Format     `json:"format,omitempty"`
	CoverImageURL        string     `json:"coverImageURL,omitempty"`
	EditionTitle         string     `json:"editionTitle,omitempty"`
	EditionDescription   string     `json:"editionDescription,omitempty"`
	Language             string     `json:"language,omitempty"`
	PrimaryProvider      Provider   `json:"primaryProvider,omitempty"`
	Contributors         []Provider `json:"contributors,omitempty"`
	GoogleBooksVolumeIDs []string   `json:"googleBooksVolumeIDs,omitempty"`
	Quality              int        `json:"quality,omitempty"`
}

// Author is a contributor with a name and optionally enriched gender.
type Author struct {
	Name   string `json:"name"`
	Gender Gender `json:"gender,omitempty"`
}

// Metadata accompanies every successful response.
type Metadata struct {
	Source    string   `json:"source"`
	Cached    bool     `json:"cached"`
	Timestamp string   `json:"timestamp"`
	Providers []string `json:"providers,omitempty"`
	// Unavailable lists providers skipped because their secret was absent.
	Unavailable []string `json:"unavailable,omitempty"`
}

func newMetadata(source string, cached bool) Metadata {
	return Metadata{
		Source:    source,
		Cached:    cached,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// SearchResponse is the canonical payload for title and advanced search.
type SearchResponse struct {
	Query        string `json:"query"`
	Results      []Work `json:"results"`
	TotalResults int    `json:"totalResults"`
}

// Bibliography is the canonical payload for author search.
type Bibliography struct {
	Author       string `json:"author"`
	Works        []Work `json:"works"`
	TotalResults int    `json:"totalResults"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
	SortBy       string `json:"sortBy,omitempty"`
}

// BookResult is the canonical payload for an ISBN lookup: one work with
// the looked-up edition first.
type BookResult struct {
	ISBN string `json:"isbn"`
	Work
}

// cachedPayload is what the hierarchical cache stores for search
// endpoints: the canonical payload plus the provenance needed to rebuild
// response metadata on a hit.
type cachedPayload struct {
	Source      string   `json:"source"`
	Providers   []string `json:"providers,omitempty"`
	Unavailable []string `json:"unavailable,omitempty"`
	Data        []byte   `json:"data"`
}
