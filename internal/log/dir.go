package log

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// baseIndexes lists the segment files in dir and returns their base indexes, oldest first.
// Files that are not segments are ignored; segments left half built by a reset are deleted.
func baseIndexes(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var bases []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if strings.HasSuffix(file.Name(), segmentExt+tmpExt) {
			if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
				return nil, err
			}
			continue
		}
		if filepath.Ext(file.Name()) != segmentExt {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), segmentExt), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, off)
	}
	slices.Sort(bases)
	return bases, nil
}

// syncDir makes segment creation and deletion durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
