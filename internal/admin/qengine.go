package admin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// QEngineFile is one model file in a backend's content listing.
type QEngineFile struct {
	Producer   string `json:"Producer"`
	Path       string `json:"Path"`
	OriginTime string `json:"OriginTime"`
	MinTime    string `json:"MinTime"`
	MaxTime    string `json:"MaxTime"`
	Parameters string `json:"Parameters"`
}

// paramList splits the space/comma separated parameter names.
func (f QEngineFile) paramList() []string {
	return strings.FieldsFunc(f.Parameters, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

func (f QEngineFile) hasParam(name string) bool {
	for _, p := range f.paramList() {
		if p == name {
			return true
		}
	}
	return false
}

// qengineLess orders files by (OriginTime, Path) ascending.
func qengineLess(a, b QEngineFile) bool {
	if a.OriginTime != b.OriginTime {
		return a.OriginTime < b.OriginTime
	}
	return a.Path < b.Path
}

// producerFiles maps producer name to its files.
type producerFiles map[string][]QEngineFile

// parseQEngineBody decodes one backend's JSON content listing and
// groups it by producer.
func parseQEngineBody(body string) (producerFiles, error) {
	var files []QEngineFile
	if err := json.Unmarshal([]byte(body), &files); err != nil {
		return nil, fmt.Errorf("content listing deserialization failed: %w", err)
	}

	grouped := make(producerFiles)
	for _, f := range files {
		grouped[f.Producer] = append(grouped[f.Producer], f)
	}
	return grouped, nil
}

// mergeQEngineContents computes, per producer, the intersection of
// files available on every backend: only a file present everywhere can
// be served consistently by the cluster. Files are ordered ascending so
// the last entry per producer is the most recent.
func mergeQEngineContents(contents []producerFiles) producerFiles {
	merged := make(producerFiles)

	for _, backend := range contents {
		for producer, files := range backend {
			sorted := append([]QEngineFile(nil), files...)
			sort.Slice(sorted, func(i, j int) bool { return qengineLess(sorted[i], sorted[j]) })

			existing, ok := merged[producer]
			if !ok {
				merged[producer] = sorted
				continue
			}
			merged[producer] = intersectFiles(existing, sorted)
		}
	}

	return merged
}

// intersectFiles keeps files present in both ordered lists, compared by
// the (OriginTime, Path) sort key.
func intersectFiles(a, b []QEngineFile) []QEngineFile {
	var out []QEngineFile
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case qengineLess(a[i], b[j]):
			i++
		case qengineLess(b[j], a[i]):
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// qengineProducerRow is one row of the producer summary listing.
type qengineProducerRow struct {
	Producer   string `json:"Producer"`
	Path       string `json:"Path"`
	OriginTime string `json:"OriginTime"`
	MinTime    string `json:"MinTime"`
	MaxTime    string `json:"MaxTime"`
}

// qengineSummary lists each producer's most recent cluster-wide file.
func qengineSummary(merged producerFiles) []qengineProducerRow {
	producers := make([]string, 0, len(merged))
	for p := range merged {
		producers = append(producers, p)
	}
	sort.Strings(producers)

	var rows []qengineProducerRow
	for _, p := range producers {
		files := merged[p]
		if len(files) == 0 {
			continue
		}
		latest := files[len(files)-1]
		rows = append(rows, qengineProducerRow{
			Producer:   p,
			Path:       latest.Path,
			OriginTime: latest.OriginTime,
			MinTime:    latest.MinTime,
			MaxTime:    latest.MaxTime,
		})
	}
	return rows
}

// qengineWithParams returns the latest file of every producer that
// provides all the requested parameters, most recent first.
func qengineWithParams(merged producerFiles, params []string) []QEngineFile {
	var matches []QEngineFile
	for _, files := range merged {
		if len(files) == 0 {
			continue
		}
		latest := files[len(files)-1]
		all := true
		for _, p := range params {
			if !latest.hasParam(p) {
				all = false
				break
			}
		}
		if all {
			matches = append(matches, latest)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return qengineLess(matches[j], matches[i]) })
	return matches
}
