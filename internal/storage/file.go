package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

const backupsPerRecord = 5

// FileStorage keeps one JSON file per record under a base directory.
// Writes go through the AtomicWriter; read-modify-write sequences hold an
// in-process mutex and an advisory file lock so separate vahti processes
// sharing the directory are serialized too.
type FileStorage struct {
	baseDir      string
	reports      string
	approvals    string
	remediations string
	locks        string

	writer  *AtomicWriter
	workers int

	mu          sync.Mutex
	recordLocks map[string]*sync.Mutex
}

// NewFileStorage creates the directory layout under baseDir
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".vahti")
	}

	fs := &FileStorage{
		baseDir:      baseDir,
		reports:      filepath.Join(baseDir, "reports"),
		approvals:    filepath.Join(baseDir, "approvals"),
		remediations: filepath.Join(baseDir, "remediations"),
		locks:        filepath.Join(baseDir, "locks"),
		writer:       NewAtomicWriter(filepath.Join(baseDir, "backups"), backupsPerRecord),
		workers:      min(runtime.NumCPU(), 8),
		recordLocks:  make(map[string]*sync.Mutex),
	}

	for _, dir := range []string{fs.baseDir, fs.reports, fs.approvals, fs.remediations, fs.locks} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, vahtierrors.PersistenceError("create directory "+dir, err)
		}
	}

	return fs, nil
}

// SaveReport persists a drift report. Reports are immutable, so saving the
// same id twice simply rewrites identical content.
func (fs *FileStorage) SaveReport(ctx context.Context, report *types.DriftReport) error {
	if err := report.Validate(); err != nil {
		return vahtierrors.Wrap(err, vahtierrors.ErrorTypeValidation, "storage", "invalid drift report")
	}
	path, err := recordPath(fs.reports, report.ID)
	if err != nil {
		return err
	}
	return fs.saveJSON(path, report)
}

// LoadReport loads a drift report by id
func (fs *FileStorage) LoadReport(ctx context.Context, id string) (*types.DriftReport, error) {
	path, err := recordPath(fs.reports, id)
	if err != nil {
		return nil, err
	}
	var report types.DriftReport
	if err := fs.loadJSON(path, "report", id, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListReports returns stored reports, newest first. An empty environment
// lists every environment.
func (fs *FileStorage) ListReports(ctx context.Context, environment string) ([]*types.DriftReport, error) {
	reports, err := loadAll[types.DriftReport](ctx, fs, fs.reports, "report")
	if err != nil {
		return nil, err
	}

	filtered := reports[:0]
	for _, r := range reports {
		if environment == "" || r.Environment == environment {
			filtered = append(filtered, r)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].Timestamp.Equal(filtered[j].Timestamp) {
			return filtered[i].Timestamp.After(filtered[j].Timestamp)
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered, nil
}

// CreateApproval stores a new approval request. The per-report lock makes
// the pending check and the write a single step.
func (fs *FileStorage) CreateApproval(ctx context.Context, approval *types.ApprovalRequest) error {
	path, err := recordPath(fs.approvals, approval.ID)
	if err != nil {
		return err
	}

	return fs.withLock("report-"+approval.DriftReportRef, func() error {
		if _, err := os.Stat(path); err == nil {
			return vahtierrors.New(vahtierrors.ErrorTypeConflict, "storage",
				fmt.Sprintf("approval request %s already exists", approval.ID))
		}

		if approval.Status == types.ApprovalPending {
			existing, err := fs.ListApprovals(ctx, ApprovalFilter{
				Status:   types.ApprovalPending,
				ReportID: approval.DriftReportRef,
			})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return vahtierrors.Conflict(approval.DriftReportRef, existing[0].ID)
			}
		}

		return fs.saveJSON(path, approval)
	})
}

// LoadApproval loads an approval request by id
func (fs *FileStorage) LoadApproval(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	path, err := recordPath(fs.approvals, id)
	if err != nil {
		return nil, err
	}
	var approval types.ApprovalRequest
	if err := fs.loadJSON(path, "approval", id, &approval); err != nil {
		return nil, err
	}
	return &approval, nil
}

// ListApprovals returns approval requests matching the filter, oldest first
func (fs *FileStorage) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*types.ApprovalRequest, error) {
	approvals, err := loadAll[types.ApprovalRequest](ctx, fs, fs.approvals, "approval")
	if err != nil {
		return nil, err
	}

	filtered := approvals[:0]
	for _, a := range approvals {
		if filter.Matches(a) {
			filtered = append(filtered, a)
		}
	}
	sortApprovals(filtered)
	return filtered, nil
}

// UpdateApproval applies mutate under the record lock
func (fs *FileStorage) UpdateApproval(ctx context.Context, id string, mutate func(*types.ApprovalRequest) error) (*types.ApprovalRequest, error) {
	path, err := recordPath(fs.approvals, id)
	if err != nil {
		return nil, err
	}

	var result *types.ApprovalRequest
	err = fs.withLock("approval-"+id, func() error {
		var current types.ApprovalRequest
		if err := fs.loadJSON(path, "approval", id, &current); err != nil {
			return err
		}

		updated := current
		if err := mutate(&updated); err != nil {
			result = &current
			return err
		}
		if updated.ID != id {
			result = &current
			return vahtierrors.New(vahtierrors.ErrorTypeValidation, "storage", "approval id cannot change")
		}

		if err := fs.saveJSON(path, &updated); err != nil {
			result = &current
			return err
		}
		result = &updated
		return nil
	})
	return result, err
}

// SaveRemediation persists a remediation result
func (fs *FileStorage) SaveRemediation(ctx context.Context, result *types.RemediationResult) error {
	path, err := recordPath(fs.remediations, result.ID)
	if err != nil {
		return err
	}
	return fs.saveJSON(path, result)
}

// LoadRemediation loads a remediation result by id
func (fs *FileStorage) LoadRemediation(ctx context.Context, id string) (*types.RemediationResult, error) {
	path, err := recordPath(fs.remediations, id)
	if err != nil {
		return nil, err
	}
	var result types.RemediationResult
	if err := fs.loadJSON(path, "remediation", id, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRemediations returns stored remediation results, newest first. An
// empty environment lists every environment.
func (fs *FileStorage) ListRemediations(ctx context.Context, environment string) ([]*types.RemediationResult, error) {
	results, err := loadAll[types.RemediationResult](ctx, fs, fs.remediations, "remediation")
	if err != nil {
		return nil, err
	}
	return filterRemediations(results, environment), nil
}

// Close releases nothing; the file backend holds no open handles between calls
func (fs *FileStorage) Close() error {
	return nil
}

// withLock serializes fn against every other holder of name, in this
// process and in others
func (fs *FileStorage) withLock(name string, fn func() error) error {
	fs.mu.Lock()
	mu, ok := fs.recordLocks[name]
	if !ok {
		mu = &sync.Mutex{}
		fs.recordLocks[name] = mu
	}
	fs.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	unlock, err := LockFile(filepath.Join(fs.locks, sanitizeFilename(name)+".lock"))
	if err != nil {
		return vahtierrors.PersistenceError("lock "+name, err)
	}
	defer unlock()

	return fn()
}

func (fs *FileStorage) saveJSON(filename string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return vahtierrors.PersistenceError("marshal "+filepath.Base(filename), err)
	}
	if err := fs.writer.WriteFile(filename, jsonData, 0o644); err != nil {
		return vahtierrors.PersistenceError("write "+filepath.Base(filename), err)
	}
	return nil
}

func (fs *FileStorage) loadJSON(filename, kind, id string, data interface{}) error {
	raw, err := fs.writer.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return vahtierrors.NotFound(kind, id)
		}
		return vahtierrors.PersistenceError("read "+filepath.Base(filename), err)
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return vahtierrors.PersistenceError("decode "+filepath.Base(filename), err)
	}
	return nil
}

type loadResult[T any] struct {
	record *T
	err    error
}

// loadAll decodes every record in dir with a bounded worker pool
func loadAll[T any](ctx context.Context, fs *FileStorage, dir, kind string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*T{}, nil
		}
		return nil, vahtierrors.PersistenceError("list "+dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return []*T{}, nil
	}

	tasks := make(chan string, len(paths))
	results := make(chan loadResult[T], len(paths))

	var wg sync.WaitGroup
	for i := 0; i < max(fs.workers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range tasks {
				if ctx.Err() != nil {
					results <- loadResult[T]{err: ctx.Err()}
					continue
				}
				var record T
				id := strings.TrimSuffix(filepath.Base(path), ".json")
				if err := fs.loadJSON(path, kind, id, &record); err != nil {
					// Removed between ReadDir and read
					if vahtierrors.IsType(err, vahtierrors.ErrorTypeNotFound) {
						continue
					}
					results <- loadResult[T]{err: err}
					continue
				}
				results <- loadResult[T]{record: &record}
			}
		}()
	}

	for _, path := range paths {
		tasks <- path
	}
	close(tasks)

	go func() {
		wg.Wait()
		close(results)
	}()

	records := make([]*T, 0, len(paths))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		records = append(records, r.record)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

func sortApprovals(approvals []*types.ApprovalRequest) {
	sort.Slice(approvals, func(i, j int) bool {
		if !approvals[i].CreatedAt.Equal(approvals[j].CreatedAt) {
			return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
		}
		return approvals[i].ID < approvals[j].ID
	})
}

// recordPath maps an id to its file, refusing ids that would escape dir
func recordPath(dir, id string) (string, error) {
	if id == "" || id != sanitizeFilename(id) {
		return "", vahtierrors.New(vahtierrors.ErrorTypeValidation, "storage",
			fmt.Sprintf("invalid record id %q", id))
	}
	return filepath.Join(dir, id+".json"), nil
}

// sanitizeFilename removes characters that are not safe in file names
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "_",
	)
	return replacer.Replace(name)
}
