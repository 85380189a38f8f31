package files

import (
	"os"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

type DeleteFilesResult struct {
	DeletedFiles []string
	Errors       []error
}

// DeleteFiles removes every path, ignoring ones that do not exist.
func DeleteFiles(storage Storage, filePaths []string, log *logger.Logger) DeleteFilesResult {
	result := DeleteFilesResult{
		DeletedFiles: []string{},
		Errors:       []error{},
	}

	for _, path := range filePaths {
		if err := storage.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("Failed to remove file %s: %v", path, err)
				result.Errors = append(result.Errors, err)
			}
		} else {
			log.Debugf("Successfully deleted file: %s", path)
			result.DeletedFiles = append(result.DeletedFiles, path)
		}
	}

	return result
}
