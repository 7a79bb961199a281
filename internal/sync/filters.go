package sync

import (
	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/model"
)

// DefaultMaxAuthors is the number of authors put in one status filter
const DefaultMaxAuthors = 500

// FilterBuilder creates status filters for a set of followed authors
type FilterBuilder struct {
	maxAuthors int
}

// NewFilterBuilder creates a filter builder. maxAuthors <= 0 uses DefaultMaxAuthors.
func NewFilterBuilder(maxAuthors int) *FilterBuilder {
	if maxAuthors <= 0 {
		maxAuthors = DefaultMaxAuthors
	}
	return &FilterBuilder{maxAuthors: maxAuthors}
}

// BuildFilters returns one status filter per chunk of authors. A non-nil
// since limits the filters to events created from then on.
func (fb *FilterBuilder) BuildFilters(authors []string, since *gonostr.Timestamp) []gonostr.Filter {
	authors = dedupe(authors)
	if len(authors) == 0 {
		return nil
	}

	filters := make([]gonostr.Filter, 0, len(authors)/fb.maxAuthors+1)
	for start := 0; start < len(authors); start += fb.maxAuthors {
		end := start + fb.maxAuthors
		if end > len(authors) {
			end = len(authors)
		}
		f := StatusFilter(authors[start:end])
		f.Since = since
		filters = append(filters, f)
	}
	return filters
}

// StatusFilter matches user status events of authors in every supported category
func StatusFilter(authors []string) gonostr.Filter {
	categories := make([]string, 0, len(model.Categories))
	for _, c := range model.Categories {
		categories = append(categories, c.String())
	}
	return gonostr.Filter{
		Kinds:   []int{model.KindUserStatus},
		Authors: authors,
		Tags:    gonostr.TagMap{"d": categories},
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
