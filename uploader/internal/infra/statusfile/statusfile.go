package statusfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

const (
	StatusFile   = "status.json"
	MetadataFile = "00_metadata.json"
)

var ErrNoStatus = errors.New("status file not present")

type unit struct {
	Status string `json:"status"`
}

type statusDoc struct {
	Episodes map[string]unit `json:"episodes"`
}

// Metadata describes the processing job as written by the engine.
type Metadata struct {
	SubmissionID string    `json:"submission_id"`
	InputFolder  string    `json:"input_folder"`
	Episodes     []string  `json:"episodes"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReadSummary summarizes <dir>/status.json. When 00_metadata.json declares
// more episodes than the status file lists, the missing ones count as pending.
func ReadSummary(dir string) (domain.ProcessingSummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ProcessingSummary{}, ErrNoStatus
		}
		return domain.ProcessingSummary{}, fmt.Errorf("read status file: %w", err)
	}

	var doc statusDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ProcessingSummary{}, fmt.Errorf("decode status file: %w", err)
	}

	sum := summarize(doc.Episodes)

	meta, err := ReadMetadata(dir)
	if err == nil && len(meta.Episodes) > sum.Total {
		sum.Pending += len(meta.Episodes) - sum.Total
		sum.Total = len(meta.Episodes)
	}

	return sum, nil
}

func summarize(units map[string]unit) domain.ProcessingSummary {
	var sum domain.ProcessingSummary
	for _, u := range units {
		switch strings.ToLower(strings.TrimSpace(u.Status)) {
		case "done", "completed":
			sum.Done++
		case "indexing":
			sum.Indexing++
		default:
			sum.Pending++
		}
	}
	sum.Total = len(units)
	return sum
}

func ReadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata file: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata file: %w", err)
	}
	return meta, nil
}

// Progress gives an indexing episode half credit.
func Progress(sum domain.ProcessingSummary) int {
	if sum.Total <= 0 {
		return 0
	}
	p := int(math.Floor(100*(float64(sum.Done)+0.5*float64(sum.Indexing))/float64(sum.Total) + 0.5))
	if p > 100 {
		return 100
	}
	return p
}

func Finished(sum domain.ProcessingSummary) bool {
	return sum.Total > 0 && sum.Done >= sum.Total
}
