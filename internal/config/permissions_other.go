//go:build !unix

package config

// checkFilePermissions is a no-op where POSIX permission bits are not meaningful.
func checkFilePermissions(path string) string {
	return ""
}
