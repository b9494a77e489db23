package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Footprint is the on-disk size of the local data files, keyed by label.
type Footprint struct {
	Sizes map[string]int64 `json:"sizes"`
	Total int64            `json:"total"`
}

// Labels returns the labels in sorted order.
func (f *Footprint) Labels() []string {
	out := make([]string, 0, len(f.Sizes))
	for k := range f.Sizes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MeasureFootprint sums the size of each labelled path. A path may be a file (a SQLite
// database and its -wal/-shm siblings are counted together) or a directory such as a
// search index. Empty and missing paths count as zero.
func MeasureFootprint(paths map[string]string) (*Footprint, error) {
	fp := &Footprint{Sizes: make(map[string]int64, len(paths))}
	for label, p := range paths {
		n, err := pathSize(p)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			for _, suffix := range []string{"-wal", "-shm"} {
				m, err := pathSize(p + suffix)
				if err != nil {
					return nil, err
				}
				n += m
			}
		}
		fp.Sizes[label] = n
		fp.Total += n
	}
	return fp, nil
}

func pathSize(p string) (int64, error) {
	if p == "" {
		return 0, nil
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
