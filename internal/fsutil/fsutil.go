package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var recordingExts = map[string]struct{}{
	".nd2": {},
}

var stackExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// ListRecordings returns all raw recording files under root, sorted by path.
func ListRecordings(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := recordingExts[ext]; ok {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// IsRecordingFile reports whether path looks like a raw microscope recording.
func IsRecordingFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := recordingExts[ext]
	return ok
}

// IsStackFile reports whether path looks like a TIFF image stack.
func IsStackFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := stackExts[ext]
	return ok
}

// AcquisitionID derives the stable identifier for a recording: its path
// relative to root with the optional prefix and the extension stripped.
// Separators are normalized so IDs are portable across platforms.
func AcquisitionID(path, root, prefix string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	if prefix != "" {
		rel = strings.TrimPrefix(rel, strings.Trim(filepath.ToSlash(prefix), "/")+"/")
	}
	return rel, nil
}

// AcquisitionMeta holds per-acquisition metadata parsed from the directory
// naming convention <date>_<strain>/<recording>.
type AcquisitionMeta struct {
	Strain string
	Date   string
}

// ParseAcquisitionMeta extracts strain and date from an acquisition ID whose
// first path segment follows the <date>_<strain> convention. IDs without a
// directory segment or an underscore yield empty fields rather than an error;
// the aggregator treats those as unknown.
func ParseAcquisitionMeta(id string) AcquisitionMeta {
	segment := id
	if i := strings.IndexByte(id, '/'); i >= 0 {
		segment = id[:i]
	} else {
		return AcquisitionMeta{}
	}
	date, strain, ok := strings.Cut(segment, "_")
	if !ok {
		return AcquisitionMeta{}
	}
	return AcquisitionMeta{Strain: strain, Date: date}
}

// Layout computes the deterministic artifact paths for one acquisition. Every
// stage writes to a distinct path derived from the acquisition ID, so re-runs
// and parallel acquisitions never contend.
type Layout struct {
	OutputRoot string
}

func (l Layout) Stack(id string) string {
	return filepath.Join(l.OutputRoot, "tiff", filepath.FromSlash(id)+".tiff")
}

func (l Layout) FilteredStack(id string) string {
	return filepath.Join(l.OutputRoot, "filtered", filepath.FromSlash(id)+"_dogfilter.tiff")
}

func (l Layout) Video(id string) string {
	return filepath.Join(l.OutputRoot, "video", filepath.FromSlash(id)+".mov")
}

func (l Layout) TrackerDir(id string) string {
	return filepath.Join(l.OutputRoot, "tracker", filepath.FromSlash(id))
}

func (l Layout) Mask(id string) string {
	return filepath.Join(l.TrackerDir(id), filepath.Base(filepath.FromSlash(id))+"_mask.hdf5")
}

func (l Layout) TrackerResults(id string) string {
	return filepath.Join(l.TrackerDir(id), filepath.Base(filepath.FromSlash(id))+"_featuresN.hdf5")
}

func (l Layout) Timeseries(id string) string {
	return filepath.Join(l.TrackerDir(id), filepath.Base(filepath.FromSlash(id))+"_timeseries.csv")
}

func (l Layout) Projection(id string) string {
	return filepath.Join(l.OutputRoot, "qc", filepath.FromSlash(id)+"_projection.png")
}

func (l Layout) Comparison(id string) string {
	return filepath.Join(l.OutputRoot, "qc", filepath.FromSlash(id)+"_compare.mov")
}

func (l Layout) Metadata(id string) string {
	return filepath.Join(l.OutputRoot, "qc", filepath.FromSlash(id)+"_metadata.json")
}

func (l Layout) PerWormSummary() string {
	return filepath.Join(l.OutputRoot, "summary", "per_worm_summary.csv")
}

func (l Layout) FOVSummary() string {
	return filepath.Join(l.OutputRoot, "summary", "fov_summary.csv")
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Exists reports whether a non-empty file is present at path. Zero-byte files
// count as incomplete so interrupted stages are re-run.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Size() > 0
}

// EnsureParent creates the parent directory of path.
func EnsureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
