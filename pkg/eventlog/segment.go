package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var segmentNameRe = regexp.MustCompile(`^segment-(\d{6})\.json$`)

func segmentFileName(n int) string {
	return fmt.Sprintf("segment-%06d.json", n)
}

func segmentPath(dir string, n int) string {
	return filepath.Join(dir, segmentFileName(n))
}

// listSegments returns the segment numbers present in dir, ascending.
func listSegments(dir string) ([]int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var numbers []int
	for _, f := range files {
		m := segmentNameRe.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// readSegment loads the entries of one segment file.
func readSegment(dir string, n int) ([]Entry, error) {
	data, err := os.ReadFile(segmentPath(dir, n))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentMissing, segmentFileName(n))
		}
		return nil, fmt.Errorf("read %s: %w", segmentFileName(n), err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", segmentFileName(n), err)
	}
	return entries, nil
}

// writeSegment rewrites one segment file atomically.
func writeSegment(dir string, n int, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", segmentFileName(n), err)
	}

	path := segmentPath(dir, n)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", segmentFileName(n), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit %s: %w", segmentFileName(n), err)
	}
	return nil
}
