package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListRecordingsFindsOnlyRecordings(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "20240101_n2", "fov1.nd2"))
	mustWrite(t, filepath.Join(root, "20240101_n2", "fov1.tiff"))
	mustWrite(t, filepath.Join(root, "notes.txt"))
	mustWrite(t, filepath.Join(root, "sub", "deep", "fov2.ND2"))

	files, err := ListRecordings(root)
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 recordings, got %d: %v", len(files), files)
	}
}

func TestAcquisitionID(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		root   string
		prefix string
		want   string
	}{
		{"basic", "/data/raw/20240101_n2/fov1.nd2", "/data/raw", "", "20240101_n2/fov1"},
		{"prefix stripped", "/data/raw/plate3/20240101_n2/fov1.nd2", "/data/raw", "plate3", "20240101_n2/fov1"},
		{"no subdir", "/data/raw/fov1.nd2", "/data/raw", "", "fov1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AcquisitionID(tc.path, tc.root, tc.prefix)
			if err != nil {
				t.Fatalf("acquisition id: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseAcquisitionMeta(t *testing.T) {
	m := ParseAcquisitionMeta("20240101_n2/fov1")
	if m.Date != "20240101" || m.Strain != "n2" {
		t.Fatalf("unexpected meta: %+v", m)
	}

	if m := ParseAcquisitionMeta("fov1"); m.Strain != "" || m.Date != "" {
		t.Fatalf("expected empty meta for bare ID, got %+v", m)
	}
	if m := ParseAcquisitionMeta("plainsegment/fov1"); m.Strain != "" {
		t.Fatalf("expected empty strain for segment without underscore, got %+v", m)
	}
}

func TestLayoutPathsAreDistinctPerAcquisition(t *testing.T) {
	l := Layout{OutputRoot: "/out"}
	a := []string{
		l.Stack("d_s/fov1"), l.FilteredStack("d_s/fov1"), l.Video("d_s/fov1"),
		l.Mask("d_s/fov1"), l.TrackerResults("d_s/fov1"), l.Timeseries("d_s/fov1"),
		l.Projection("d_s/fov1"), l.Comparison("d_s/fov1"), l.Metadata("d_s/fov1"),
	}
	seen := map[string]bool{}
	for _, p := range a {
		if seen[p] {
			t.Fatalf("duplicate artifact path %s", p)
		}
		seen[p] = true
	}
	if l.Video("d_s/fov1") == l.Video("d_s/fov2") {
		t.Fatalf("expected distinct paths per acquisition")
	}
}

func TestExistsRejectsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.mov")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if Exists(empty) {
		t.Fatalf("zero-byte file should count as incomplete")
	}
	full := filepath.Join(dir, "full.mov")
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !Exists(full) {
		t.Fatalf("expected non-empty file to exist")
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
}
