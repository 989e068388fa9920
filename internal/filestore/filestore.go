/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The file implements BatchFileStore: a per-batch append-only
// NDJSON file under a base directory, rebuilt deterministically from the
// requests table rather than trusted to survive a crash mid-upload.
package filestore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

const minFreeSpaceBytes = 10 << 20 // 10 MiB

// FileStore manages the on-disk NDJSON upload files, one per batch.
type FileStore struct {
	baseDir string
	ext     string
}

func New(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir, ext: "ndjson"}
}

func (s *FileStore) path(batchID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("batch_%d.%s", batchID, s.ext))
}

// Create truncates (or creates) the batch's upload file. Idempotent: a
// retried upload after a crash always starts from an empty, deterministic
// file instead of inheriting stale partial content.
func (s *FileStore) Create(batchID int64) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	f, err := os.OpenFile(s.path(batchID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create batch file %d: %w", batchID, err)
	}
	return f.Close()
}

// AppendLine appends one canonical, newline-terminated request payload.
// line must be exactly Request.RequestPayloadBytes followed by '\n'; the
// caller (BatchBuilder/upload rebuild) is responsible for that newline
// framing, and AppendLine writes line as given.
func (s *FileStore) AppendLine(batchID int64, line []byte) error {
	f, err := os.OpenFile(s.path(batchID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open batch file %d for append: %w", batchID, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append to batch file %d: %w", batchID, err)
	}
	return nil
}

// StreamLines opens the batch file and calls fn for every line, stopping
// early if fn returns an error. Used by the upload step, which never
// loads an entire multi-gigabyte file into memory.
func (s *FileStore) StreamLines(batchID int64, fn func(line []byte) error) error {
	f, err := os.Open(s.path(batchID))
	if err != nil {
		return fmt.Errorf("open batch file %d: %w", batchID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan batch file %d: %w", batchID, err)
	}
	return nil
}

// Delete removes the batch's local upload file. Missing files are not an
// error: delete is called from cleanup paths that may race a never-created file.
func (s *FileStore) Delete(batchID int64) error {
	if err := os.Remove(s.path(batchID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete batch file %d: %w", batchID, err)
	}
	return nil
}

// Size reports the current on-disk size of the batch's file, or 0 if it
// doesn't exist. Used to enforce the "empty file ⇒ upload refused" rule.
func (s *FileStore) Size(batchID int64) (int64, error) {
	info, err := os.Stat(s.path(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat batch file %d: %w", batchID, err)
	}
	return info.Size(), nil
}

// CheckFreeSpace returns the bytes available on baseDir's filesystem.
func (s *FileStore) CheckFreeSpace() (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.baseDir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.baseDir, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// RequestLister is the Store slice needed to rebuild an upload file:
// only pending requests are ever (re)included, which is what makes
// resubmission after partial expiration correct.
type RequestLister interface {
	ListPendingRequests(ctx context.Context, batchID int64) ([]*model.Request, error)
}

// Rebuild truncates and repopulates the batch's upload file from the
// store's current pending requests, in ascending request id order so
// repeated rebuilds are byte-identical.
func (s *FileStore) Rebuild(ctx context.Context, batchID int64, lister RequestLister) (int64, error) {
	if err := s.Create(batchID); err != nil {
		return 0, err
	}
	free, err := s.CheckFreeSpace()
	if err != nil {
		return 0, err
	}
	if free < minFreeSpaceBytes {
		return 0, fmt.Errorf("refusing to rebuild batch %d upload file: only %s bytes free, need at least %s",
			batchID, strconv.FormatInt(free, 10), strconv.FormatInt(minFreeSpaceBytes, 10))
	}

	requests, err := lister.ListPendingRequests(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("list pending requests for batch %d: %w", batchID, err)
	}

	var lineCount int64
	for _, r := range requests {
		line := append(append([]byte{}, r.RequestPayloadBytes...), '\n')
		if err := s.AppendLine(batchID, line); err != nil {
			return 0, err
		}
		lineCount++
	}
	return lineCount, nil
}
