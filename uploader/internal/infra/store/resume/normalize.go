package resumestore

import (
	"encoding/json"
	"math"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

// legacyState is the version 1 shape: completed files were kept as a set
// object and uploaded bytes were not tracked.
type legacyState struct {
	Completed map[string]bool `json:"completed"`
}

func decode(data []byte) (*domain.ResumeState, error) {
	var st domain.ResumeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}

	if st.Version < domain.ResumeStateVersion {
		var legacy legacyState
		if err := json.Unmarshal(data, &legacy); err == nil && len(legacy.Completed) > 0 && len(st.CompletedFiles) == 0 {
			for path, done := range legacy.Completed {
				if done {
					st.CompletedFiles = append(st.CompletedFiles, path)
				}
			}
		}
		st.Version = domain.ResumeStateVersion
	}

	return &st, nil
}

// Normalize repairs a state in place. It is deterministic and idempotent:
// completed files are restricted to known sizes and de-duplicated, missing
// totals are derived from FileSizes, a TotalBytes below the completed sizes is
// replaced by the FileSizes sum, and UploadedBytes is floored at the sum of
// completed sizes and clamped to TotalBytes.
func Normalize(st *domain.ResumeState) {
	if st == nil {
		return
	}

	st.Version = domain.ResumeStateVersion
	if st.FileSizes == nil {
		st.FileSizes = map[string]int64{}
	}
	if st.FileRecords == nil {
		st.FileRecords = map[string]string{}
	}
	for path, id := range st.FileRecords {
		if id == "" {
			delete(st.FileRecords, path)
		}
	}

	seen := make(map[string]struct{}, len(st.CompletedFiles))
	completed := make([]string, 0, len(st.CompletedFiles))
	for _, path := range st.CompletedFiles {
		if _, ok := st.FileSizes[path]; !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		completed = append(completed, path)
	}
	st.CompletedFiles = completed

	if st.TotalBytes <= 0 {
		st.TotalBytes = totalSize(st.FileSizes)
	}
	if st.TotalFiles <= 0 {
		st.TotalFiles = len(st.FileSizes)
	}

	floor := CompletedBytes(st)
	if st.TotalBytes < floor {
		st.TotalBytes = totalSize(st.FileSizes)
	}
	if st.UploadedBytes < floor {
		st.UploadedBytes = floor
	}
	if st.UploadedBytes > st.TotalBytes {
		st.UploadedBytes = st.TotalBytes
	}
	if st.UploadedBytes < 0 {
		st.UploadedBytes = 0
	}
}

// CompletedBytes is the sum of sizes of the completed files.
func CompletedBytes(st *domain.ResumeState) int64 {
	var total int64
	for _, path := range st.CompletedFiles {
		total += st.FileSizes[path]
	}
	return total
}

// Progress returns upload progress in percent. Without byte totals it falls
// back to the completed file ratio.
func Progress(st *domain.ResumeState) int {
	if st == nil {
		return 0
	}
	if st.TotalBytes > 0 {
		return percent(float64(st.UploadedBytes), float64(st.TotalBytes))
	}
	if st.TotalFiles > 0 {
		return percent(float64(len(st.CompletedFiles)), float64(st.TotalFiles))
	}
	return 0
}

func percent(part, whole float64) int {
	p := int(math.Floor(100*part/whole + 0.5))
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

func totalSize(sizes map[string]int64) int64 {
	var total int64
	for _, n := range sizes {
		total += n
	}
	return total
}
