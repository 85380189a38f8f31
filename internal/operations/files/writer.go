package files

import (
	"fmt"
	"io"
)

// WriteFile replaces name with data.
func WriteFile(storage Storage, name string, data []byte) error {
	f, err := storage.Create(name)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

// AppendFile adds data to the end of name.
func AppendFile(storage Storage, name string, data []byte) error {
	f, err := storage.Append(name)
	if err != nil {
		return fmt.Errorf("failed to open %s for appending: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return f.Close()
}

func ReadFile(storage Storage, name string) ([]byte, error) {
	f, err := storage.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
