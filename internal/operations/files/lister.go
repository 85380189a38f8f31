package files

import (
	"path"
	"sort"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

// Entry is one item found by ListDir.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
}

// ListDir walks dir down to levels directories deep, logging each entry.
func ListDir(storage Storage, dir string, levels int, log *logger.Logger) ([]Entry, error) {
	infos, err := storage.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var entries []Entry
	for _, info := range infos {
		p := path.Join(dir, info.Name())
		entries = append(entries, Entry{Path: p, Size: info.Size(), IsDir: info.IsDir()})

		if info.IsDir() {
			log.Debugf("DIR  %s", p)
			if levels > 0 {
				sub, err := ListDir(storage, p, levels-1, log)
				if err != nil {
					return entries, err
				}
				entries = append(entries, sub...)
			}
			continue
		}
		log.Debugf("FILE %s (%d bytes)", p, info.Size())
	}
	return entries, nil
}
