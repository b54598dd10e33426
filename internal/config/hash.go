package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to the config by "config lock".
const ChecksumFile = ".checksums"

const manifestVersion = 1

// ChecksumManifest maps config file basenames to BLAKE3 hex digests.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileHash checks path against a recorded digest.
func VerifyFileHash(path, want string) error {
	got, err := fileDigest(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("%s was modified after it was locked (blake3 %s, manifest %s)",
			filepath.Base(path), got, want)
	}
	return nil
}

// WriteChecksums records configPath's digest in the manifest beside it. Other
// entries already in the manifest are kept.
func WriteChecksums(configPath string) (*ChecksumManifest, error) {
	dir := filepath.Dir(configPath)

	m, err := LoadChecksums(dir)
	if err != nil || m.Hashes == nil {
		m = &ChecksumManifest{Version: manifestVersion, Hashes: map[string]string{}}
	}

	digest, err := fileDigest(configPath)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", configPath, err)
	}
	m.Hashes[filepath.Base(configPath)] = digest
	m.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode checksums: %w", err)
	}
	target := filepath.Join(dir, ChecksumFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	return m, nil
}

// LoadChecksums reads the manifest in configDir. A missing manifest yields an
// error satisfying errors.Is(err, os.ErrNotExist).
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	raw, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var m ChecksumManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version %d", m.Version)
	}
	return &m, nil
}
