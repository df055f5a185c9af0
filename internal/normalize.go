package internal

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

// Normalizers are pure: they never fail, never call out, and tolerate
// arbitrarily sparse provider payloads. Missing titles become "Unknown"
// so downstream merging always has something to group on.

var _yearRE = regexp.MustCompile(`\b(\d{4})\b`)

// extractYear pulls a plausible year out of a free-form date. Providers
// ship "2003", "2003-05", "May 5th 2003", and worse.
func extractYear(date string) int {
	m := _yearRE.FindString(date)
	if m == "" {
		return 0
	}
	year := 0
	for _, c := range m {
		year = year*10 + int(c-'0')
	}
	if year < 1000 || year > 2100 {
		return 0
	}
	return year
}

// upgradeCoverURL forces https and bumps any zoom parameter to the
// high-resolution variant. Same input always yields the same output, so
// cover URLs stay cache-stable.
func upgradeCoverURL(cover string) string {
	if cover == "" {
		return ""
	}
	u, err := url.Parse(cover)
	if err != nil {
		return cover
	}
	u.Scheme = "https"
	if q := u.Query(); q.Has("zoom") {
		q.Set("zoom", "3")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

var _sanitizer = bluemonday.StrictPolicy()

// cleanDescription strips markup and entities from provider descriptions.
func cleanDescription(s string) string {
	return strings.TrimSpace(xhtml.UnescapeString(_sanitizer.Sanitize(s)))
}

// normalizeFormat maps a provider binding string onto our format enum.
func normalizeFormat(binding string) Format {
	b := strings.ToLower(binding)
	switch {
	case strings.Contains(b, "illustrated"):
		return FormatIllustrated
	case strings.Contains(b, "first edition"):
		return FormatFirstEdition
	case strings.Contains(b, "anniversary"):
		return FormatAnniversary
	case strings.Contains(b, "mass market"):
		return FormatMassMarket
	case strings.Contains(b, "hardcover"), strings.Contains(b, "hardback"), strings.Contains(b, "library binding"):
		return FormatHardcover
	case strings.Contains(b, "paperback"), strings.Contains(b, "softcover"):
		return FormatPaperback
	case strings.Contains(b, "kindle"), strings.Contains(b, "ebook"), strings.Contains(b, "e-book"):
		return FormatEbook
	case strings.Contains(b, "audio"):
		return FormatAudiobook
	case b == "":
		return FormatUnknown
	default:
		return FormatStandard
	}
}

func fallbackTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Unknown"
	}
	return title
}

func toAuthors(names []string) []Author {
	authors := make([]Author, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		authors = append(authors, Author{Name: name, Gender: GenderUnknown})
	}
	return authors
}

// syntheticWork fabricates a Work around an Edition when the provider had
// no work-level record.
func syntheticWork(e Edition, authors []Author) Work {
	return Work{
		Title:                fallbackTitle(e.Title),
		Authors:              authors,
		FirstPublicationYear: e.PublicationYear,
		Description:          e.EditionDescription,
		CoverImageURL:        e.CoverImageURL,
		Synthetic:            true,
		PrimaryProvider:      e.PrimaryProvider,
		Contributors:         e.Contributors,
		ReviewStatus:         ReviewUnverified,
		Editions:             []Edition{e},
	}
}

// --- Google Books ----------------------------------------------------------

func normalizeGoogleToEdition(v gbVolume) Edition {
	info := v.VolumeInfo

	primary, all := isbnSet(identifierValues(info.IndustryIdentifiers)...)
	cover := ""
	if info.ImageLinks != nil {
		cover = upgradeCoverURL(info.ImageLinks.Thumbnail)
	}

	e := Edition{
		ISBN:               primary,
		ISBNs:              all,
		Title:              fallbackTitle(info.Title),
		Publisher:          info.Publisher,
		PublicationDate:    info.PublishedDate,
		PublicationYear:    extractYear(info.PublishedDate),
		PageCount:          info.PageCount,
		Format:             FormatUnknown,
		CoverImageURL:      cover,
		EditionTitle:       strings.TrimSpace(info.Subtitle),
		EditionDescription: cleanDescription(info.Description),
		Language:           strings.ToLower(info.Language),
		PrimaryProvider:    ProviderGoogleBooks,
		Contributors:       []Provider{ProviderGoogleBooks},
	}
	if v.ID != "" {
		e.GoogleBooksVolumeIDs = []string{v.ID}
	}
	return e
}

func normalizeGoogleToWork(v gbVolume) Work {
	info := v.VolumeInfo
	edition := normalizeGoogleToEdition(v)

	w := syntheticWork(edition, toAuthors(info.Authors))
	w.SubjectTags = NormalizeGenres(info.Categories)
	w.OriginalLanguage = strings.ToLower(info.Language)
	if v.ID != "" {
		w.GoogleBooksVolumeIDs = []string{v.ID}
	}
	return w
}

func identifierValues(ids []gbIndustryIdentifier) []string {
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.Type == "ISBN_10" || id.Type == "ISBN_13" {
			values = append(values, id.Identifier)
		}
	}
	return values
}

// --- Open Library ----------------------------------------------------------

func normalizeOLDocToWork(doc olDoc, coverURL string) Work {
	primary, all := isbnSet(doc.ISBN...)

	e := Edition{
		ISBN:            primary,
		ISBNs:           all,
		Title:           fallbackTitle(doc.Title),
		PublicationYear: doc.FirstPublishYear,
		PageCount:       doc.PagesMedian,
		Format:          FormatUnknown,
		CoverImageURL:   upgradeCoverURL(coverURL),
		PrimaryProvider: ProviderOpenLibrary,
		Contributors:    []Provider{ProviderOpenLibrary},
	}
	if len(doc.Publisher) > 0 {
		e.Publisher = doc.Publisher[0]
	}
	if len(doc.PublishDate) > 0 {
		e.PublicationDate = doc.PublishDate[0]
		if e.PublicationYear == 0 {
			e.PublicationYear = extractYear(doc.PublishDate[0])
		}
	}
	if len(doc.Language) > 0 {
		e.Language = strings.ToLower(doc.Language[0])
	}

	// Search docs are work-level records, so this Work is not synthetic
	// even though we materialize an Edition alongside it.
	w := Work{
		Title:                fallbackTitle(doc.Title),
		Authors:              toAuthors(doc.AuthorName),
		SubjectTags:          NormalizeGenres(doc.Subject),
		FirstPublicationYear: doc.FirstPublishYear,
		CoverImageURL:        e.CoverImageURL,
		PrimaryProvider:      ProviderOpenLibrary,
		Contributors:         []Provider{ProviderOpenLibrary},
		OpenLibraryWorkID:    strings.TrimPrefix(doc.Key, "/works/"),
		ReviewStatus:         ReviewUnverified,
		Editions:             []Edition{e},
	}
	if len(doc.Language) > 0 {
		w.OriginalLanguage = strings.ToLower(doc.Language[0])
	}
	return w
}

func normalizeOLEditionToEdition(ed olEdition, coverURL string) Edition {
	primary, all := isbnSet(append(append([]string{}, ed.ISBN13...), ed.ISBN10...)...)

	e := Edition{
		ISBN:            primary,
		ISBNs:           all,
		Title:           fallbackTitle(ed.Title),
		PublicationDate: ed.PublishDate,
		PublicationYear: extractYear(ed.PublishDate),
		PageCount:       ed.NumberOfPages,
		Format:          normalizeFormat(ed.PhysicalFormat),
		CoverImageURL:   upgradeCoverURL(coverURL),
		EditionTitle:    strings.TrimSpace(ed.Subtitle),
		PrimaryProvider: ProviderOpenLibrary,
		Contributors:    []Provider{ProviderOpenLibrary},
	}
	if len(ed.Publishers) > 0 {
		e.Publisher = ed.Publishers[0]
	}
	if len(ed.Languages) > 0 {
		e.Language = olLanguageCode(ed.Languages[0].Key)
	}
	return e
}

// olLanguageCode maps "/languages/eng" style keys onto ISO codes.
func olLanguageCode(key string) string {
	code := strings.TrimPrefix(key, "/languages/")
	switch code {
	case "eng":
		return "en"
	case "fre":
		return "fr"
	case "ger":
		return "de"
	case "spa":
		return "es"
	case "ita":
		return "it"
	case "jpn":
		return "ja"
	}
	return code
}

// --- ISBNdb ----------------------------------------------------------------

func normalizeISBNdbToEdition(b isbndbBook) Edition {
	primary, all := isbnSet(b.ISBN13, b.ISBN)

	title := b.Title
	if title == "" {
		title = b.TitleLong
	}
	return Edition{
		ISBN:               primary,
		ISBNs:              all,
		Title:              fallbackTitle(title),
		Publisher:          b.Publisher,
		PublicationDate:    b.DatePublished,
		PublicationYear:    extractYear(b.DatePublished),
		PageCount:          b.Pages,
		Format:             normalizeFormat(b.Binding + " " + b.Edition),
		CoverImageURL:      upgradeCoverURL(b.Image),
		EditionDescription: cleanDescription(b.Synopsis),
		Language:           strings.ToLower(b.Language),
		PrimaryProvider:    ProviderISBNdb,
		Contributors:       []Provider{ProviderISBNdb},
	}
}

func normalizeISBNdbToWork(b isbndbBook) Work {
	w := syntheticWork(normalizeISBNdbToEdition(b), toAuthors(b.Authors))
	w.SubjectTags = NormalizeGenres(b.Subjects)
	return w
}
