package admin

import (
	"sort"
	"strings"
)

// gridGeneration is one producer/geometry generation reported by a
// backend, one per line as "producer geometry analysisTime".
type gridGeneration struct {
	Producer     string `json:"producer"`
	Geometry     string `json:"geometry"`
	AnalysisTime string `json:"analysis_time"`
}

type gridKey struct {
	producer string
	geometry string
	time     string
}

// parseGridBody parses the line-oriented generation listing.
func parseGridBody(body string) []gridGeneration {
	var out []gridGeneration
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		out = append(out, gridGeneration{
			Producer:     fields[0],
			Geometry:     fields[1],
			AnalysisTime: fields[2],
		})
	}
	return out
}

// mergeGridGenerations keeps only producer/geometry tuples reported by
// every backend, then picks the most recent generation per producer.
func mergeGridGenerations(bodies []backendBody) []gridGeneration {
	if len(bodies) == 0 {
		return nil
	}

	// Count on how many backends each generation appears; only a
	// generation every backend holds can be served consistently.
	counts := make(map[gridKey]int)
	for _, b := range bodies {
		seen := make(map[gridKey]bool)
		for _, g := range parseGridBody(b.Body) {
			key := gridKey{g.Producer, g.Geometry, g.AnalysisTime}
			if seen[key] {
				continue
			}
			seen[key] = true
			counts[key]++
		}
	}

	latest := make(map[string]gridGeneration)
	for key, n := range counts {
		if n != len(bodies) {
			continue
		}
		g := gridGeneration{Producer: key.producer, Geometry: key.geometry, AnalysisTime: key.time}
		if cur, ok := latest[key.producer]; !ok || g.AnalysisTime > cur.AnalysisTime {
			latest[key.producer] = g
		}
	}

	out := make([]gridGeneration, 0, len(latest))
	for _, g := range latest {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Producer < out[j].Producer })
	return out
}
