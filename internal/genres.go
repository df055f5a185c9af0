package internal

import (
	"slices"
	"strings"
)

// _genreTable maps heterogeneous provider subject strings onto a bounded
// tag vocabulary. Matching is case-insensitive on the whole string first,
// then on substrings, so "Juvenile Fiction / Fantasy & Magic" still lands
// on fantasy.
var _genreTable = map[string]string{
	"fiction":                       "fiction",
	"nonfiction":                    "nonfiction",
	"non-fiction":                   "nonfiction",
	"biography":                     "biography",
	"autobiography":                 "biography",
	"biography & autobiography":     "biography",
	"memoir":                        "biography",
	"science fiction":               "science-fiction",
	"sci-fi":                        "science-fiction",
	"fantasy":                       "fantasy",
	"fantasy fiction":               "fantasy",
	"magic":                         "fantasy",
	"mystery":                       "mystery",
	"detective":                     "mystery",
	"detective and mystery stories": "mystery",
	"crime":                         "crime",
	"true crime":                    "crime",
	"thriller":                      "thriller",
	"thrillers":                     "thriller",
	"suspense":                      "thriller",
	"romance":                       "romance",
	"love stories":                  "romance",
	"horror":                        "horror",
	"ghost stories":                 "horror",
	"history":                       "history",
	"historical fiction":            "historical-fiction",
	"science":                       "science",
	"popular science":               "science",
	"mathematics":                   "science",
	"philosophy":                    "philosophy",
	"psychology":                    "psychology",
	"self-help":                     "self-help",
	"self help":                     "self-help",
	"personal development":          "self-help",
	"business":                      "business",
	"economics":                     "business",
	"poetry":                        "poetry",
	"drama":                         "drama",
	"plays":                         "drama",
	"comics":                        "comics",
	"graphic novels":                "comics",
	"comics & graphic novels":       "comics",
	"young adult":                   "young-adult",
	"young adult fiction":           "young-adult",
	"juvenile fiction":              "childrens",
	"juvenile literature":           "childrens",
	"children's fiction":            "childrens",
	"picture books":                 "childrens",
	"cooking":                       "cooking",
	"cookbooks":                     "cooking",
	"food":                          "cooking",
	"travel":                        "travel",
	"religion":                      "religion",
	"spirituality":                  "religion",
	"art":                           "art",
	"music":                         "art",
	"photography":                   "art",
	"sports":                        "sports",
	"sports & recreation":           "sports",
	"health":                        "health",
	"fitness":                       "health",
	"health & fitness":              "health",
	"technology":                    "technology",
	"computers":                     "technology",
	"programming":                   "technology",
	"education":                     "education",
	"politics":                      "politics",
	"political science":             "politics",
	"classics":                      "classics",
	"literary fiction":              "literary-fiction",
	"literary collections":          "literary-fiction",
	"short stories":                 "short-stories",
	"essays":                        "essays",
	"humor":                         "humor",
	"comedy":                        "humor",
	"adventure":                     "adventure",
	"adventure stories":             "adventure",
	"war":                           "war",
	"military":                      "war",
	"nature":                        "nature",
	"environment":                   "nature",
	"western":                       "western",
	"westerns":                      "western",
	"dystopian":                     "dystopian",
	"dystopias":                     "dystopian",
}

// NormalizeGenres maps provider subject strings into the bounded tag
// vocabulary. The result is sorted, de-duped, and never contains strings
// outside the table's value set. Unmappable subjects are dropped.
func NormalizeGenres(subjects []string) []string {
	tags := newSet[string]()
	for _, s := range subjects {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if tag, ok := _genreTable[s]; ok {
			tags.add(tag)
			continue
		}
		// Providers often compound subjects ("Fiction / Thrillers /
		// Espionage"). Split and probe each segment, then fall back to
		// substring containment for the long tail.
		for _, part := range strings.FieldsFunc(s, func(r rune) bool {
			return r == '/' || r == ',' || r == '&' || r == '-' || r == '—'
		}) {
			part = strings.TrimSpace(part)
			if tag, ok := _genreTable[part]; ok {
				tags.add(tag)
			}
		}
		for pattern, tag := range _genreTable {
			if len(pattern) >= 5 && strings.Contains(s, pattern) {
				tags.add(tag)
			}
		}
	}
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
