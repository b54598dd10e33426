package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CheckLocalFilesystem returns an error when path, or the closest ancestor
// that exists yet, is on a network filesystem. SQLite locking and the
// exclusive-create merge lock both misbehave there.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystemWithDetector(path, detectFilesystemType)
}

func checkLocalFilesystemWithDetector(path string, detect func(string) (string, error)) error {
	if path == "" {
		return errors.New("state path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if remote(fsType) {
		return fmt.Errorf("state path %q is on network filesystem %q; move repo.state_dir to local disk", path, fsType)
	}
	return nil
}

// existingAncestor walks up from path until something exists, since the state
// directory is usually created lazily.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, statErr := os.Stat(p)
		switch {
		case statErr == nil:
			return p, nil
		case !errors.Is(statErr, fs.ErrNotExist):
			return "", statErr
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no part of %q exists", path)
		}
		p = parent
	}
}

func remote(fsType string) bool {
	switch strings.ToLower(strings.TrimSpace(fsType)) {
	case "nfs", "cifs", "smbfs", "smb2", "afpfs", "webdav":
		return true
	}
	return false
}
