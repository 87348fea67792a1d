package draft

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"taskmarket/backend"
	"taskmarket/internal/utils"
)

// maxTypoDistance is the largest edit distance accepted as a typo.
const maxTypoDistance = 2

// ResolveCategory matches free text against the known categories: exact
// (case-insensitive), then unique prefix, then the single closest name within
// a small edit distance. Otherwise the error suggests the closest name.
func ResolveCategory(name string, categories []backend.Category) (backend.Category, error) {
	name = strings.TrimSpace(name)
	if c := backend.FindCategoryByName(categories, name); c != nil {
		return *c, nil
	}

	lower := strings.ToLower(name)
	var prefixed []backend.Category
	for _, c := range categories {
		if lower != "" && strings.HasPrefix(strings.ToLower(c.Name), lower) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], nil
	}

	best, bestDist, ties := -1, 0, 0
	for i, c := range categories {
		d := levenshtein.ComputeDistance(lower, strings.ToLower(c.Name))
		switch {
		case best < 0 || d < bestDist:
			best, bestDist, ties = i, d, 0
		case d == bestDist:
			ties++
		}
	}
	if best < 0 {
		return backend.Category{}, utils.ErrCategoryNotFound(name, "")
	}
	if bestDist <= maxTypoDistance && ties == 0 && lower != "" {
		return categories[best], nil
	}
	return backend.Category{}, utils.ErrCategoryNotFound(name, categories[best].Name)
}
