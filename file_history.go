package saga

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	fileInfoExt = ".info.json"
	fileLogExt  = ".log.jsonl"

	doneDir    = "done"
	damagedDir = "damaged"
)

// FileHistory persists saga records as JSON files on disk.
//
// Each saga type gets a directory under the base path. A running instance
// is stored as <id>.info.json next to an append-only <id>.log.jsonl; Done
// and DiscardDamagedSaga move both files into the done/ and damaged/
// subdirectories.
type FileHistory struct {
	basePath string
	mu       sync.Mutex
}

// NewFileHistory creates a file-based history rooted at basePath.
func NewFileHistory(basePath string) (*FileHistory, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileHistory{basePath: basePath}, nil
}

func (f *FileHistory) dir(sagaName string, sub ...string) string {
	return filepath.Join(append([]string{f.basePath, url.PathEscape(sagaName)}, sub...)...)
}

func (f *FileHistory) path(dir, id, ext string) string {
	return filepath.Join(dir, url.PathEscape(id)+ext)
}

// SagaID implements History.
func (f *FileHistory) SagaID(sagaName string, payload Payload) (string, error) {
	return PayloadSagaID(sagaName, payload)
}

// EventLogs implements History. The log is read when the cursor is first
// advanced.
func (f *FileHistory) EventLogs(ctx context.Context, sagaName, id string) EventLogIterator {
	return &fileLogIterator{f: f, path: f.path(f.dir(sagaName), id, fileLogExt)}
}

type fileLogIterator struct {
	f    *FileHistory
	path string
	logs *SliceIterator
}

func (it *fileLogIterator) Next(ctx context.Context) (EventLog, bool, error) {
	if it.logs == nil {
		logs, err := it.f.readLogs(it.path)
		if err != nil {
			return EventLog{}, false, err
		}
		it.logs = &SliceIterator{logs: logs}
	}
	return it.logs.Next(ctx)
}

func (f *FileHistory) readLogs(path string) ([]EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []EventLog
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var l EventLog
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry %d: %w", len(logs), err)
		}
		logs = append(logs, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return logs, nil
}

// AllIDs implements History.
func (f *FileHistory) AllIDs(ctx context.Context, sagaName string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir(sagaName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list saga directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileInfoExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileInfoExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func readInfo(path string) (*SagaInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read info file: %w", err)
	}
	var info SagaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal info: %w", err)
	}
	return &info, nil
}

// writeInfo replaces path atomically. The data is synced before the rename.
func writeInfo(path string, info *SagaInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal info: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create info file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write info file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync info file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close info file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace info file: %w", err)
	}
	return nil
}

// syncDir flushes the directory entry of a newly renamed file.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open saga directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync saga directory: %w", err)
	}
	return nil
}

// SagaInfo implements History.
func (f *FileHistory) SagaInfo(ctx context.Context, sagaName, id string) (*SagaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := readInfo(f.path(f.dir(sagaName), id, fileInfoExt))
	if err != nil || info != nil {
		return info, err
	}
	return readInfo(f.path(f.dir(sagaName, doneDir), id, fileInfoExt))
}

// SaveSagaInfo implements History. The file and its directory are synced
// before returning.
func (f *FileHistory) SaveSagaInfo(ctx context.Context, sagaName, id string, payload Payload) (*SagaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.dir(sagaName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create saga directory: %w", err)
	}
	path := f.path(dir, id, fileInfoExt)
	existing, err := readInfo(path)
	if err != nil || existing != nil {
		return existing, err
	}

	info := newSagaInfo(id, payload)
	if err := writeInfo(path, info); err != nil {
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		return nil, err
	}
	return info, nil
}

// SaveEventLog implements History.
func (f *FileHistory) SaveEventLog(ctx context.Context, sagaName, id string, log EventLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal event log: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path(f.dir(sagaName), id, fileLogExt), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// moveRecord moves the info and log files of id into the subdirectory sub.
func (f *FileHistory) moveRecord(sagaName, id, sub string) error {
	from := f.dir(sagaName)
	to := f.dir(sagaName, sub)
	if err := os.MkdirAll(to, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", sub, err)
	}
	for _, ext := range []string{fileInfoExt, fileLogExt} {
		err := os.Rename(f.path(from, id, ext), f.path(to, id, ext))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to move %s file: %w", ext, err)
		}
	}
	return nil
}

// Done implements History.
func (f *FileHistory) Done(ctx context.Context, sagaName, id string, ret any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(f.dir(sagaName), id, fileInfoExt)
	info, err := readInfo(path)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	info.markDone(ret)
	if err := writeInfo(path, info); err != nil {
		return err
	}
	return f.moveRecord(sagaName, id, doneDir)
}

// Rollback implements History.
func (f *FileHistory) Rollback(ctx context.Context, sagaName, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(f.dir(sagaName), id, fileInfoExt)
	info, err := readInfo(path)
	if err != nil || info == nil {
		return err
	}
	info.markRollback(cause)
	return writeInfo(path, info)
}

// DiscardDamagedSaga implements History.
func (f *FileHistory) DiscardDamagedSaga(ctx context.Context, sagaName, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveRecord(sagaName, id, damagedDir)
}
