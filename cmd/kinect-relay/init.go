package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/kinect-relay/examples"
)

// runInit writes the example configuration to dir/kinect-relay.yaml.
// An existing file is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "kinect-relay.yaml")
	written, err := writeIfMissing(path, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "%s already exists, left unchanged\n", path)
	}
	return nil
}

// writeIfMissing writes content to path unless the file exists. The
// file may hold broker credentials, so it is created 0600.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
