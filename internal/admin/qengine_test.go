package admin

import (
	"testing"
)

func file(producer, path, origin string, params string) QEngineFile {
	return QEngineFile{
		Producer:   producer,
		Path:       path,
		OriginTime: origin,
		MinTime:    origin,
		MaxTime:    origin,
		Parameters: params,
	}
}

func TestParseQEngineBody(t *testing.T) {
	body := `[
		{"Producer":"pal","Path":"/data/a.sqd","OriginTime":"2026-08-05T00:00:00","MinTime":"t0","MaxTime":"t1","Parameters":"Temperature,Pressure WindSpeedMS"},
		{"Producer":"pal","Path":"/data/b.sqd","OriginTime":"2026-08-05T06:00:00","MinTime":"t0","MaxTime":"t1","Parameters":"Temperature"},
		{"Producer":"ecmwf","Path":"/data/e.sqd","OriginTime":"2026-08-05T00:00:00","MinTime":"t0","MaxTime":"t1","Parameters":"Temperature"}
	]`

	grouped, err := parseQEngineBody(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(grouped) != 2 {
		t.Fatalf("expected 2 producers, got %d", len(grouped))
	}
	if len(grouped["pal"]) != 2 {
		t.Errorf("pal files = %d, want 2", len(grouped["pal"]))
	}

	f := grouped["pal"][0]
	if !f.hasParam("Temperature") || !f.hasParam("WindSpeedMS") {
		t.Errorf("parameter splitting broken: %v", f.paramList())
	}
	if f.hasParam("Wind") {
		t.Error("partial parameter names must not match")
	}
}

func TestParseQEngineBodyGarbage(t *testing.T) {
	if _, err := parseQEngineBody("not json"); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestMergeQEngineContentsIntersection(t *testing.T) {
	backendA := producerFiles{
		"pal": {
			file("pal", "/a1", "2026-08-05T00:00:00", ""),
			file("pal", "/a2", "2026-08-05T06:00:00", ""),
		},
	}
	backendB := producerFiles{
		"pal": {
			file("pal", "/a2", "2026-08-05T06:00:00", ""),
			file("pal", "/a3", "2026-08-05T12:00:00", ""),
		},
	}

	merged := mergeQEngineContents([]producerFiles{backendA, backendB})

	files := merged["pal"]
	if len(files) != 1 {
		t.Fatalf("intersection size = %d, want 1", len(files))
	}
	if files[0].Path != "/a2" {
		t.Errorf("intersection kept %q, want /a2", files[0].Path)
	}
}

func TestMergeKeepsProducersMissingElsewhere(t *testing.T) {
	// A producer present on only one backend keeps that backend's
	// files; the intersection applies per producer where both report.
	backendA := producerFiles{"pal": {file("pal", "/a1", "t1", "")}}
	backendB := producerFiles{"ecmwf": {file("ecmwf", "/e1", "t1", "")}}

	merged := mergeQEngineContents([]producerFiles{backendA, backendB})
	if len(merged["pal"]) != 1 || len(merged["ecmwf"]) != 1 {
		t.Errorf("unexpected merge: %v", merged)
	}
}

func TestQEngineSummaryPicksLatest(t *testing.T) {
	merged := producerFiles{
		"pal": {
			file("pal", "/a1", "2026-08-05T00:00:00", ""),
			file("pal", "/a2", "2026-08-05T06:00:00", ""),
		},
	}

	rows := qengineSummary(merged)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Path != "/a2" {
		t.Errorf("summary picked %q, want the most recent file", rows[0].Path)
	}
}

func TestQEngineWithParams(t *testing.T) {
	merged := producerFiles{
		"pal":   {file("pal", "/a", "2026-08-05T06:00:00", "Temperature,Pressure")},
		"ecmwf": {file("ecmwf", "/e", "2026-08-05T12:00:00", "Temperature")},
	}

	both := qengineWithParams(merged, []string{"Temperature"})
	if len(both) != 2 {
		t.Fatalf("matches = %d, want 2", len(both))
	}
	// Most recent first.
	if both[0].Producer != "ecmwf" {
		t.Errorf("order wrong: %v", both)
	}

	one := qengineWithParams(merged, []string{"Temperature", "Pressure"})
	if len(one) != 1 || one[0].Producer != "pal" {
		t.Errorf("AND filtering broken: %v", one)
	}
}

func TestMergeGridGenerations(t *testing.T) {
	bodies := []backendBody{
		{Backend: "alpha", Body: "pal g1 2026-08-05T00:00:00\npal g1 2026-08-05T06:00:00\necmwf g2 2026-08-05T00:00:00\n"},
		{Backend: "beta", Body: "pal g1 2026-08-05T06:00:00\n"},
	}

	merged := mergeGridGenerations(bodies)
	if len(merged) != 1 {
		t.Fatalf("merged = %v, want only tuples on every backend", merged)
	}
	g := merged[0]
	if g.Producer != "pal" || g.Geometry != "g1" {
		t.Errorf("wrong tuple survived: %+v", g)
	}
	// Of the generations every backend holds, the most recent is reported.
	if g.AnalysisTime != "2026-08-05T06:00:00" {
		t.Errorf("analysis time = %s", g.AnalysisTime)
	}
}
