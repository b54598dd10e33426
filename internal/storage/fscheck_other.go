//go:build !darwin && !linux

package storage

// Detection is unavailable here; report an unknown local type so the check
// never blocks startup.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
