// Package artifact manages produced media files on local disk, with an
// optional S3 archiver for long-term retention.
//
// The local store keeps one directory per job under a single root.
// Engines write into the job directory; the store verifies, serves and
// removes whole job directories so cleanup can never orphan files
// outside its root.
package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Store is a local filesystem artifact store. Methods are safe for
// concurrent use; the filesystem provides the serialization.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir. Call Init before first use.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Init creates the root directory if needed.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return &StoreError{Op: "Init", Path: s.root, Err: err}
	}
	return nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the scratch directory path for a job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// EnsureJobDir creates the job's scratch directory and returns its path.
func (s *Store) EnsureJobDir(jobID string) (string, error) {
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &StoreError{Op: "EnsureJobDir", JobID: jobID, Path: dir, Err: err}
	}
	return dir, nil
}

// Verify checks that the artifact at path exists and is non-empty,
// returning its size. An engine can report success and still leave
// nothing usable behind, so this runs before any job is marked
// succeeded.
func (s *Store) Verify(jobID, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &StoreError{Op: "Verify", JobID: jobID, Path: path, Err: ErrNotFound}
		}
		return 0, &StoreError{Op: "Verify", JobID: jobID, Path: path, Err: err}
	}
	if info.Size() == 0 {
		return 0, &StoreError{Op: "Verify", JobID: jobID, Path: path, Err: ErrEmpty}
	}
	return info.Size(), nil
}

// Open opens the artifact for reading. The caller owns the returned
// file and must close it.
func (s *Store) Open(jobID, path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &StoreError{Op: "Open", JobID: jobID, Path: path, Err: ErrNotFound}
		}
		return nil, nil, &StoreError{Op: "Open", JobID: jobID, Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, &StoreError{Op: "Open", JobID: jobID, Path: path, Err: err}
	}
	if info.Size() == 0 {
		f.Close()
		return nil, nil, &StoreError{Op: "Open", JobID: jobID, Path: path, Err: ErrEmpty}
	}
	return f, info, nil
}

// RemoveJob deletes the job's scratch directory and everything in it.
// Removing a job that has no directory is not an error.
func (s *Store) RemoveJob(jobID string) error {
	dir := s.JobDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return &StoreError{Op: "RemoveJob", JobID: jobID, Path: dir, Err: err}
	}
	return nil
}

// Stats summarizes what the store currently holds.
type Stats struct {
	// Jobs is the number of job directories.
	Jobs int `json:"jobs"`

	// Files is the number of regular files across all job directories.
	Files int `json:"files"`

	// Bytes is the total size of those files.
	Bytes int64 `json:"bytes"`
}

// Stats walks the store root and totals its contents.
func (s *Store) Stats() (Stats, error) {
	var st Stats

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, &StoreError{Op: "Stats", Path: s.root, Err: err}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st.Jobs++
		jobDir := filepath.Join(s.root, entry.Name())
		walkErr := filepath.WalkDir(jobDir, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			st.Files++
			st.Bytes += info.Size()
			return nil
		})
		if walkErr != nil {
			return st, &StoreError{Op: "Stats", Path: jobDir, Err: walkErr}
		}
	}
	return st, nil
}
