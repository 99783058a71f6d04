//go:build !unix

package storage

import "os"

// LockFile only creates the lock file on platforms without flock; the
// in-process mutex in FileStorage still serializes a single vahti process.
func LockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return func() { f.Close() }, nil
}
