package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// AtomicWriter provides atomic file operations with backup/recovery
type AtomicWriter struct {
	locks      map[string]*sync.RWMutex // per-file locks
	locksMu    sync.Mutex               // protects the locks map
	backupDir  string
	keepBackup int
}

// NewAtomicWriter creates a new atomic writer. Backups are disabled when
// backupDir is empty; keep bounds the number of backups per file.
func NewAtomicWriter(backupDir string, keep int) *AtomicWriter {
	return &AtomicWriter{
		locks:      make(map[string]*sync.RWMutex),
		backupDir:  backupDir,
		keepBackup: keep,
	}
}

// WriteFile writes data to a file atomically with backup
func (w *AtomicWriter) WriteFile(filename string, data []byte, perm os.FileMode) error {
	fileLock := w.getFileLock(filename)
	fileLock.Lock()
	defer fileLock.Unlock()

	return w.writeLocked(filename, data, perm)
}

func (w *AtomicWriter) writeLocked(filename string, data []byte, perm os.FileMode) error {
	if err := w.createBackup(filename); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := filename + ".tmp." + generateTempSuffix()
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := verifyFileIntegrity(tempFile, data); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("file integrity check failed: %w", err)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReadFile reads a file, recovering from the newest backup when the file is
// empty (an interrupted write on a filesystem without atomic rename)
func (w *AtomicWriter) ReadFile(filename string) ([]byte, error) {
	fileLock := w.getFileLock(filename)
	fileLock.RLock()
	data, err := os.ReadFile(filename)
	fileLock.RUnlock()

	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return w.recoverFromBackup(filename)
	}
	return data, nil
}

// createBackup copies the existing file into the backup directory
func (w *AtomicWriter) createBackup(filename string) error {
	if w.backupDir == "" {
		return nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil
	}

	if err := os.MkdirAll(w.backupDir, 0o755); err != nil {
		return err
	}

	timestamp := time.Now().UTC().Format("20060102-150405.000000000")
	backupName := fmt.Sprintf("%s.%s.backup", filepath.Base(filename), timestamp)
	if err := copyFile(filename, filepath.Join(w.backupDir, backupName)); err != nil {
		return err
	}

	return w.pruneBackups(filename)
}

// backupsFor lists the backups of a file, newest first
func (w *AtomicWriter) backupsFor(filename string) ([]string, error) {
	pattern := filepath.Join(w.backupDir, filepath.Base(filename)+".*.backup")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (w *AtomicWriter) pruneBackups(filename string) error {
	if w.keepBackup <= 0 {
		return nil
	}
	backups, err := w.backupsFor(filename)
	if err != nil {
		return err
	}
	for _, old := range backups[min(len(backups), w.keepBackup):] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove backup %s: %w", old, err)
		}
	}
	return nil
}

// recoverFromBackup restores a file from its most recent non-empty backup
func (w *AtomicWriter) recoverFromBackup(filename string) ([]byte, error) {
	if w.backupDir == "" {
		return nil, fmt.Errorf("%s is empty and no backup directory is configured", filename)
	}

	backups, err := w.backupsFor(filename)
	if err != nil || len(backups) == 0 {
		return nil, fmt.Errorf("no backup found for %s", filename)
	}

	for _, backup := range backups {
		data, err := os.ReadFile(backup)
		if err != nil || len(data) == 0 {
			continue
		}
		if err := w.WriteFile(filename, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to restore backup: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no valid backup found for %s", filename)
}

// getFileLock gets or creates a lock for a specific file
func (w *AtomicWriter) getFileLock(filename string) *sync.RWMutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()

	if lock, exists := w.locks[filename]; exists {
		return lock
	}

	lock := &sync.RWMutex{}
	w.locks[filename] = lock
	return lock
}

// verifyFileIntegrity verifies that written data matches expected data
func verifyFileIntegrity(filename string, expectedData []byte) error {
	actualData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if sha256.Sum256(expectedData) != sha256.Sum256(actualData) {
		return fmt.Errorf("hash mismatch")
	}

	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}

// generateTempSuffix generates a unique suffix for temporary files
func generateTempSuffix() string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())))
	return hex.EncodeToString(hash[:4])
}
