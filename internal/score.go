package internal

import (
	"slices"
	"strings"
)

// scoreEdition computes the edition quality score. Every edition starts
// at 50 and earns bonuses for completeness; the result is clamped to
// [0,100].
func scoreEdition(e Edition) int {
	score := 50

	switch e.Format {
	case FormatIllustrated:
		score += 30
	case FormatFirstEdition:
		score += 25
	case FormatAnniversary:
		score += 20
	case FormatHardcover:
		score += 15
	case FormatPaperback:
		score += 10
	case FormatStandard:
		score += 5
	}

	switch {
	case e.PageCount > 300:
		score += 10
	case e.PageCount > 200:
		score += 5
	}

	switch coverResolution(e.CoverImageURL) {
	case coverHiRes:
		score += 15
	case coverStandard:
		score += 10
	case coverLowRes:
		score += 5
	}

	switch {
	case e.PublicationYear >= 2020:
		score += 10
	case e.PublicationYear >= 2010:
		score += 5
	}

	if e.Language == "en" {
		score += 5
	}

	return min(max(score, 0), 100)
}

type coverRes int

const (
	coverNone coverRes = iota
	coverLowRes
	coverStandard
	coverHiRes
)

// coverResolution classifies a cover URL by the resolution hints the
// providers encode in it.
func coverResolution(cover string) coverRes {
	switch {
	case cover == "":
		return coverNone
	case strings.Contains(cover, "zoom=3"), strings.HasSuffix(cover, "-L.jpg"):
		return coverHiRes
	case strings.Contains(cover, "zoom=1"), strings.HasSuffix(cover, "-S.jpg"), strings.Contains(cover, "smallThumbnail"):
		return coverLowRes
	default:
		return coverStandard
	}
}

// rankEditions scores and orders editions best-first. Ties break by more
// recent year, then longer page count, then ISBN order so the ranking is
// deterministic.
func rankEditions(editions []Edition) []Edition {
	for i := range editions {
		editions[i].Quality = scoreEdition(editions[i])
	}
	slices.SortStableFunc(editions, func(a, b Edition) int {
		if a.Quality != b.Quality {
			return b.Quality - a.Quality
		}
		if a.PublicationYear != b.PublicationYear {
			return b.PublicationYear - a.PublicationYear
		}
		if a.PageCount != b.PageCount {
			return b.PageCount - a.PageCount
		}
		return strings.Compare(a.ISBN, b.ISBN)
	})
	return editions
}

// dedupeEditions collapses editions that share an ISBN, or failing that a
// normalized title. The higher-scoring duplicate survives; the loser only
// fills the survivor's empty fields.
func dedupeEditions(editions []Edition) []Edition {
	byKey := map[string]int{}
	out := editions[:0]
	for _, e := range editions {
		key := e.ISBN
		if key == "" {
			key = "t:" + normalizeValue(e.Title)
		}
		if i, ok := byKey[key]; ok {
			kept := out[i]
			if scoreEdition(e) > scoreEdition(kept) {
				kept, e = e, kept
			}
			out[i] = supplementEdition(kept, e)
			continue
		}
		byKey[key] = len(out)
		out = append(out, e)
	}
	return out
}

// workKey groups works by normalized title plus first author.
func workKey(w Work) string {
	key := normalizeValue(w.Title)
	if len(w.Authors) > 0 {
		key += "|" + normalizeValue(w.Authors[0].Name)
	}
	return key
}

// dedupeWorks collapses works with the same key, merging the duplicate's
// fields into the survivor so fallback data still fills holes.
func dedupeWorks(works []Work) []Work {
	byKey := map[string]int{}
	out := works[:0]
	for _, w := range works {
		key := workKey(w)
		if i, ok := byKey[key]; ok {
			out[i] = supplementWork(out[i], w)
			continue
		}
		byKey[key] = len(out)
		out = append(out, w)
	}
	return out
}

// supplementWork fills empty fields of primary from secondary. Non-empty
// primary fields always win; provenance accumulates.
func supplementWork(primary, secondary Work) Work {
	if primary.Title == "" || primary.Title == "Unknown" {
		primary.Title = secondary.Title
	}
	if len(primary.Authors) == 0 {
		primary.Authors = secondary.Authors
	}
	if len(primary.SubjectTags) == 0 {
		primary.SubjectTags = secondary.SubjectTags
	}
	if primary.OriginalLanguage == "" {
		primary.OriginalLanguage = secondary.OriginalLanguage
	}
	if primary.FirstPublicationYear == 0 {
		primary.FirstPublicationYear = secondary.FirstPublicationYear
	}
	if primary.Description == "" {
		primary.Description = secondary.Description
	}
	if primary.CoverImageURL == "" {
		primary.CoverImageURL = secondary.CoverImageURL
	}
	if primary.OpenLibraryWorkID == "" {
		primary.OpenLibraryWorkID = secondary.OpenLibraryWorkID
	}
	if primary.ISBNdbQuality == 0 {
		primary.ISBNdbQuality = secondary.ISBNdbQuality
	}
	primary.GoogleBooksVolumeIDs = appendUnique(primary.GoogleBooksVolumeIDs, secondary.GoogleBooksVolumeIDs)
	for _, p := range secondary.Contributors {
		if !slices.Contains(primary.Contributors, p) {
			primary.Contributors = append(primary.Contributors, p)
		}
	}
	primary.Editions = rankEditions(dedupeEditions(append(primary.Editions, secondary.Editions...)))
	// A work stops being synthetic once a real work-level record merges in.
	if !secondary.Synthetic {
		primary.Synthetic = false
	}
	return primary
}

// supplementEdition fills empty fields of primary from secondary.
func supplementEdition(primary, secondary Edition) Edition {
	if primary.ISBN == "" {
		primary.ISBN = secondary.ISBN
	}
	if primary.Title == "" || primary.Title == "Unknown" {
		primary.Title = secondary.Title
	}
	if primary.Publisher == "" {
		primary.Publisher = secondary.Publisher
	}
	if primary.PublicationDate == "" {
		primary.PublicationDate = secondary.PublicationDate
	}
	if primary.PublicationYear == 0 {
		primary.PublicationYear = secondary.PublicationYear
	}
	if primary.PageCount == 0 {
		primary.PageCount = secondary.PageCount
	}
	if primary.Format == FormatUnknown || primary.Format == "" {
		primary.Format = secondary.Format
	}
	if primary.CoverImageURL == "" {
		primary.CoverImageURL = secondary.CoverImageURL
	}
	if primary.EditionTitle == "" {
		primary.EditionTitle = secondary.EditionTitle
	}
	if primary.EditionDescription == "" {
		primary.EditionDescription = secondary.EditionDescription
	}
	if primary.Language == "" {
		primary.Language = secondary.Language
	}
	primary.ISBNs = appendUnique(primary.ISBNs, secondary.ISBNs)
	primary.GoogleBooksVolumeIDs = appendUnique(primary.GoogleBooksVolumeIDs, secondary.GoogleBooksVolumeIDs)
	for _, p := range secondary.Contributors {
		if !slices.Contains(primary.Contributors, p) {
			primary.Contributors = append(primary.Contributors, p)
		}
	}
	return primary
}

func appendUnique(dst, src []string) []string {
	for _, s := range src {
		if s != "" && !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}
