package utils

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// FID Get its fid from the file name, 0 if the name is not a table file.
func FID(name string) uint64 {
	name = path.Base(name)
	if !strings.HasSuffix(name, SSTableExt) {
		return 0
	}
	name = strings.TrimSuffix(name, SSTableExt)
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// LoadIDMap returns the ids of every table file found in the given directories.
func LoadIDMap(dirs ...string) map[uint64]struct{} {
	idMap := make(map[uint64]struct{})
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, _ := os.ReadDir(dir)
		for _, info := range entries {
			if info.IsDir() {
				continue
			}
			fileID := FID(info.Name())
			if fileID != 0 {
				idMap[fileID] = struct{}{}
			}
		}
	}
	return idMap
}

// FileNameSSTable  sst file name
func FileNameSSTable(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", id, SSTableExt))
}
