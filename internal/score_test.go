package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreEditionBaseline(t *testing.T) {
	t.Parallel()

	// An empty edition earns the base score and nothing else.
	assert.Equal(t, 50, scoreEdition(Edition{}))
}

func TestScoreEditionFormatBonuses(t *testing.T) {
	t.Parallel()

	for format, want := range map[Format]int{
		FormatIllustrated:  80,
		FormatFirstEdition: 75,
		FormatAnniversary:  70,
		FormatHardcover:    65,
		FormatPaperback:    60,
		FormatStandard:     55,
		FormatUnknown:      50,
	} {
		assert.Equal(t, want, scoreEdition(Edition{Format: format}), "format %s", format)
	}
}

func TestScoreEditionPageBonuses(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 50, scoreEdition(Edition{PageCount: 200}))
	assert.Equal(t, 55, scoreEdition(Edition{PageCount: 201}))
	assert.Equal(t, 55, scoreEdition(Edition{PageCount: 300}))
	assert.Equal(t, 60, scoreEdition(Edition{PageCount: 301}))
}

func TestScoreEditionCoverBonuses(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 65, scoreEdition(Edition{CoverImageURL: "https://x/content?zoom=3"}))
	assert.Equal(t, 65, scoreEdition(Edition{CoverImageURL: "https://covers.openlibrary.org/b/id/1-L.jpg"}))
	assert.Equal(t, 60, scoreEdition(Edition{CoverImageURL: "https://covers.openlibrary.org/b/id/1-M.jpg"}))
	assert.Equal(t, 55, scoreEdition(Edition{CoverImageURL: "https://x/content?zoom=1"}))
	assert.Equal(t, 55, scoreEdition(Edition{CoverImageURL: "https://covers.openlibrary.org/b/id/1-S.jpg"}))
	assert.Equal(t, 50, scoreEdition(Edition{CoverImageURL: ""}))
}

func TestScoreEditionRecencyAndLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 60, scoreEdition(Edition{PublicationYear: 2020}))
	assert.Equal(t, 55, scoreEdition(Edition{PublicationYear: 2015}))
	assert.Equal(t, 50, scoreEdition(Edition{PublicationYear: 2009}))
	assert.Equal(t, 55, scoreEdition(Edition{Language: "en"}))
	assert.Equal(t, 50, scoreEdition(Edition{Language: "fr"}))
}

func TestScoreEditionClamped(t *testing.T) {
	t.Parallel()

	best := Edition{
		Format:          FormatIllustrated,
		PageCount:       500,
		CoverImageURL:   "https://x/content?zoom=3",
		PublicationYear: 2023,
		Language:        "en",
	}
	// 50 + 30 + 10 + 15 + 10 + 5 = 120, clamped.
	assert.Equal(t, 100, scoreEdition(best))
}

func TestRankEditionsOrderAndTieBreaks(t *testing.T) {
	t.Parallel()

	editions := rankEditions([]Edition{
		{ISBN: "9780000000002", Format: FormatPaperback},
		{ISBN: "9780000000001", Format: FormatHardcover},
		// Same score as the paperback via page bonus; newer year wins.
		{ISBN: "9780000000003", Format: FormatStandard, PageCount: 250, PublicationYear: 1990},
		{ISBN: "9780000000004", Format: FormatStandard, PageCount: 250, PublicationYear: 2005},
	})

	// Hardcover scores 65; the other three tie at 60 and fall back to
	// publication year, with the undated paperback last.
	require.Len(t, editions, 4)
	assert.Equal(t, "9780000000001", editions[0].ISBN)
	assert.Equal(t, "9780000000004", editions[1].ISBN)
	assert.Equal(t, "9780000000003", editions[2].ISBN)
	assert.Equal(t, "9780000000002", editions[3].ISBN)
	for _, e := range editions {
		assert.NotZero(t, e.Quality)
	}
}

func TestRankEditionsISBNTieBreak(t *testing.T) {
	t.Parallel()

	editions := rankEditions([]Edition{
		{ISBN: "9780000000002"},
		{ISBN: "9780000000001"},
	})
	assert.Equal(t, "9780000000001", editions[0].ISBN)
}

func TestDedupeEditions(t *testing.T) {
	t.Parallel()

	editions := dedupeEditions([]Edition{
		{ISBN: "9780000000001", Title: "Dune"},
		{ISBN: "9780000000001", Title: "Dune (Reissue)"},
		{Title: "The  Hobbit"},
		{Title: "the hobbit"}, // same normalized title
		{ISBN: "9780000000002", Title: "Dune"},
	})

	require.Len(t, editions, 3)
	assert.Equal(t, "9780000000001", editions[0].ISBN)
	assert.Equal(t, "The  Hobbit", editions[1].Title)
	assert.Equal(t, "9780000000002", editions[2].ISBN)
}

func TestDedupeEditionsKeepsHigherQuality(t *testing.T) {
	t.Parallel()

	editions := dedupeEditions([]Edition{
		{ISBN: "9780000000001", Title: "Dune", Publisher: "Ace"},
		{ISBN: "9780000000001", Title: "Dune", Format: FormatHardcover, PageCount: 412},
	})

	// The hardcover outscores the bare record, so it survives even though
	// it arrived second; the loser still fills its empty fields.
	require.Len(t, editions, 1)
	assert.Equal(t, FormatHardcover, editions[0].Format)
	assert.Equal(t, 412, editions[0].PageCount)
	assert.Equal(t, "Ace", editions[0].Publisher)
}

func TestDedupeWorksMerges(t *testing.T) {
	t.Parallel()

	works := dedupeWorks([]Work{
		{
			Title:           "Dune",
			Authors:         []Author{{Name: "Frank Herbert"}},
			PrimaryProvider: ProviderGoogleBooks,
			Contributors:    []Provider{ProviderGoogleBooks},
			Synthetic:       true,
		},
		{
			Title:             "dune",
			Authors:           []Author{{Name: "Frank Herbert"}},
			Description:       "Spice.",
			OpenLibraryWorkID: "OL1W",
			PrimaryProvider:   ProviderOpenLibrary,
			Contributors:      []Provider{ProviderOpenLibrary},
		},
		{Title: "Dune", Authors: []Author{{Name: "Brian Herbert"}}}, // different author, kept apart
	})

	require.Len(t, works, 2)
	merged := works[0]
	assert.Equal(t, "Dune", merged.Title)
	assert.Equal(t, "Spice.", merged.Description)
	assert.Equal(t, "OL1W", merged.OpenLibraryWorkID)
	assert.Equal(t, ProviderGoogleBooks, merged.PrimaryProvider, "first occurrence keeps its provider")
	assert.ElementsMatch(t, []Provider{ProviderGoogleBooks, ProviderOpenLibrary}, merged.Contributors)
	assert.False(t, merged.Synthetic, "merging a real record clears synthetic")
}

func TestSupplementWorkPrimaryWins(t *testing.T) {
	t.Parallel()

	primary := Work{Title: "Dune", Description: "Original."}
	secondary := Work{Title: "Dune: Special", Description: "Replacement."}

	merged := supplementWork(primary, secondary)
	assert.Equal(t, "Dune", merged.Title)
	assert.Equal(t, "Original.", merged.Description)
}

func TestSupplementEdition(t *testing.T) {
	t.Parallel()

	primary := Edition{ISBN: "9780000000001", Title: "Dune"}
	secondary := Edition{
		ISBN:      "9780000000002",
		Publisher: "Ace",
		PageCount: 412,
		Format:    FormatHardcover,
	}

	merged := supplementEdition(primary, secondary)
	assert.Equal(t, "9780000000001", merged.ISBN, "primary ISBN wins")
	assert.Equal(t, "Ace", merged.Publisher)
	assert.Equal(t, 412, merged.PageCount)
	assert.Equal(t, FormatHardcover, merged.Format)
}
