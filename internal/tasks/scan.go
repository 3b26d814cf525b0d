package tasks

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"wormflow/internal/fsutil"
)

// ScanEntry is one discovered acquisition.
type ScanEntry struct {
	Path   string // raw recording path
	ID     string // acquisition identifier
	Strain string
	Date   string
}

// ScanSummary lists the acquisitions found under the input root.
type ScanSummary struct {
	Root       string
	Recordings []ScanEntry
}

// Scan walks the input root for raw recordings and derives each one's
// acquisition identifier and metadata. The directory naming convention
// supplies strain and date; rows in the optional metadata CSV override it
// for plates that were recorded before the convention existed.
func Scan(root, stripPrefix, metadataCSV string) (ScanSummary, error) {
	files, err := fsutil.ListRecordings(root)
	if err != nil {
		return ScanSummary{}, err
	}

	overrides, err := loadMetadataOverrides(metadataCSV)
	if err != nil {
		return ScanSummary{}, err
	}

	summary := ScanSummary{Root: root}
	for _, path := range files {
		id, err := fsutil.AcquisitionID(path, root, stripPrefix)
		if err != nil {
			return ScanSummary{}, err
		}
		meta := fsutil.ParseAcquisitionMeta(id)
		if o, ok := overrides[id]; ok {
			meta = o
		}
		summary.Recordings = append(summary.Recordings, ScanEntry{
			Path:   path,
			ID:     id,
			Strain: meta.Strain,
			Date:   meta.Date,
		})
	}
	return summary, nil
}

// loadMetadataOverrides reads an acquisition,strain,date CSV. A missing path
// is not an error; the file is optional.
func loadMetadataOverrides(path string) (map[string]fsutil.AcquisitionMeta, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	idIdx, strainIdx, dateIdx := -1, -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "acquisition":
			idIdx = i
		case "strain":
			strainIdx = i
		case "date":
			dateIdx = i
		}
	}
	if idIdx < 0 || strainIdx < 0 || dateIdx < 0 {
		return nil, fmt.Errorf("%s: header must contain acquisition, strain, date", path)
	}

	overrides := make(map[string]fsutil.AcquisitionMeta)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
		overrides[strings.TrimSpace(row[idIdx])] = fsutil.AcquisitionMeta{
			Strain: strings.TrimSpace(row[strainIdx]),
			Date:   strings.TrimSpace(row[dateIdx]),
		}
	}
	return overrides, nil
}
