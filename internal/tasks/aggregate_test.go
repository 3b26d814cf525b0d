package tasks

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return rows
}

const plateA = `worm_index,timestamp,motion_mode,speed,well_name
1,0,1,2.0,A1
1,1,1,-2.0,A1
1,2,1,2.0,A1
1,3,1,-2.0,A1
1,4,1,2.0,A1
1,5,1,-2.0,A1
1,6,1,2.0,A1
1,7,1,-2.0,A1
1,8,1,2.0,A1
1,9,1,-2.0,A1
2,0,1,1.0,A1
2,1,1,1.0,A1
2,2,1,1.0,A1
2,10,1,1.0,A1
2,11,1,1.0,A1
`

const plateB = `worm_index,timestamp,motion_mode,speed,well_name
1,0,0,3.0,B1
1,1,0,3.0,B1
1,2,0,3.0,B1
1,3,0,3.0,B1
1,4,0,3.0,B1
1,5,0,3.0,B1
`

func TestAggregateEndToEnd(t *testing.T) {
	dir := t.TempDir()
	pathA := writeFixture(t, dir, "plateA_timeseries.csv", plateA)
	pathB := writeFixture(t, dir, "plateB_timeseries.csv", plateB)

	req := AggregateRequest{
		Inputs: []AggregateInput{
			{Acquisition: "plateA", Strain: "N2", Date: "20240101", Path: pathA},
			{Acquisition: "plateB", Strain: "N2", Date: "20240101", Path: pathB},
		},
		PerWormPath:    filepath.Join(dir, "per_worm_summary.csv"),
		FOVPath:        filepath.Join(dir, "fov_summary.csv"),
		RequiredFrames: 5,
		NAThreshold:    0.5,
		FrameInterval:  1,
	}

	res, err := Aggregate(context.Background(), nil, req)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	// Worm 2 on plate A has two stretches of 3 and 2 frames, both under the
	// required 5, so it is dropped. The other two worms survive.
	if res.WormsKept != 2 {
		t.Errorf("WormsKept = %d, want 2", res.WormsKept)
	}
	if res.WormsDropped != 1 {
		t.Errorf("WormsDropped = %d, want 1", res.WormsDropped)
	}
	if res.ColumnsKept != 2 {
		t.Errorf("ColumnsKept = %d, want 2 (motion_mode, speed)", res.ColumnsKept)
	}

	perWorm := readCSV(t, req.PerWormPath)
	if len(perWorm) != 3 {
		t.Fatalf("per-worm rows = %d, want header + 2", len(perWorm))
	}
	header := strings.Join(perWorm[0], ",")
	if !strings.HasPrefix(header, "acquisition,strain,date,worm_index,frames_observed") {
		t.Errorf("unexpected per-worm header: %s", header)
	}

	// Plate A worm 1 alternates speed +-2, so the summarized mean speed is
	// the mean of absolute values.
	rowA := perWorm[1]
	if rowA[0] != "plateA" || rowA[3] != "1" {
		t.Fatalf("unexpected first per-worm row: %v", rowA)
	}
	speedIdx := -1
	for i, name := range perWorm[0] {
		if name == "speed" {
			speedIdx = i
		}
	}
	if speedIdx < 0 {
		t.Fatalf("per-worm header has no speed column: %v", perWorm[0])
	}
	if rowA[speedIdx] != "2" {
		t.Errorf("plateA worm 1 mean speed = %q, want 2", rowA[speedIdx])
	}
	if rowA[4] != "9" {
		t.Errorf("plateA worm 1 frames_observed = %q, want 9", rowA[4])
	}

	fov := readCSV(t, req.FOVPath)
	if len(fov) != 3 {
		t.Fatalf("fov rows = %d, want header + 2", len(fov))
	}
	// The FOV quality summary counts every tracked worm, including the one
	// dropped for too few frames.
	for _, row := range fov[1:] {
		switch row[0] {
		case "plateA":
			if row[3] != "2" {
				t.Errorf("plateA worm_count = %q, want 2", row[3])
			}
		case "plateB":
			if row[3] != "1" {
				t.Errorf("plateB worm_count = %q, want 1", row[3])
			}
			if row[6] != "0" {
				t.Errorf("plateB mean_moving_fraction = %q, want 0", row[6])
			}
		default:
			t.Errorf("unexpected fov row: %v", row)
		}
	}
}

func TestAggregateNoInputs(t *testing.T) {
	_, err := Aggregate(context.Background(), nil, AggregateRequest{})
	if err == nil {
		t.Fatal("expected error for empty input set")
	}
}

func TestAggregateColumnMismatch(t *testing.T) {
	dir := t.TempDir()
	pathA := writeFixture(t, dir, "a.csv", plateA)
	pathC := writeFixture(t, dir, "c.csv",
		"worm_index,timestamp,motion_mode,length\n1,0,1,0.5\n1,1,1,0.5\n")

	req := AggregateRequest{
		Inputs: []AggregateInput{
			{Acquisition: "plateA", Path: pathA},
			{Acquisition: "plateC", Path: pathC},
		},
		PerWormPath:    filepath.Join(dir, "worm.csv"),
		FOVPath:        filepath.Join(dir, "fov.csv"),
		RequiredFrames: 1,
		NAThreshold:    0.5,
		FrameInterval:  1,
	}
	_, err := Aggregate(context.Background(), nil, req)
	if err == nil || !strings.Contains(err.Error(), "plateC") {
		t.Fatalf("expected column mismatch error naming plateC, got %v", err)
	}
}
