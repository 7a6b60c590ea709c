//go:build !unix

package storage

// lockFile is a no-op where flock is unavailable; Update still serializes
// within the process through the keyed mutex.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
