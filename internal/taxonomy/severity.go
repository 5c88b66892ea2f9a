package taxonomy

import (
	"fmt"
	"strings"
)

// SeverityRanking reports whether a is more severe than b.
type SeverityRanking func(a, b Reason) bool

// LowestCodeFirst treats numerically smaller codes as more severe.
func LowestCodeFirst(a, b Reason) bool {
	return a < b
}

// CategoryOrder ranks reasons by the position of their category in order,
// most severe first. Categories not listed rank after listed ones. Ties fall
// back to the lower code.
func CategoryOrder(order ...Category) SeverityRanking {
	rank := make(map[Category]int, len(order))
	for i, c := range order {
		if _, dup := rank[c]; !dup {
			rank[c] = i
		}
	}
	pos := func(r Reason) int {
		if p, ok := rank[r.Category()]; ok {
			return p
		}
		return len(order)
	}
	return func(a, b Reason) bool {
		pa, pb := pos(a), pos(b)
		if pa != pb {
			return pa < pb
		}
		return a < b
	}
}

// ParseSeverity builds a ranking from configured category keys
// (network, parsing, response, scraper, general). An empty list yields
// LowestCodeFirst.
func ParseSeverity(keys []string) (SeverityRanking, error) {
	if len(keys) == 0 {
		return LowestCodeFirst, nil
	}
	order := make([]Category, 0, len(keys))
	for _, key := range keys {
		c, err := ParseCategory(key)
		if err != nil {
			return nil, err
		}
		order = append(order, c)
	}
	return CategoryOrder(order...), nil
}

// ParseCategory resolves a short category key.
func ParseCategory(key string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "network":
		return CategoryNetwork, nil
	case "parsing":
		return CategoryParsing, nil
	case "response":
		return CategoryResponse, nil
	case "scraper", "scraper_configuration":
		return CategoryScraper, nil
	case "general":
		return CategoryGeneral, nil
	default:
		return "", fmt.Errorf("unknown error category %q", key)
	}
}
