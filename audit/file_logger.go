// audit/file_logger.go
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileLogger appends events as JSON lines and answers queries by scanning the file(s)
type FileLogger struct {
	file     *os.File
	mu       sync.RWMutex
	fileOpts FileOptions
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		file:     file,
		fileOpts: fileOpts,
	}, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(action, success, metadata))
}

// writeEvent writes an event to the log file in JSONL format
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	return nil
}

// Query returns matching events, newest first
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	files, err := fl.getAuditLogFiles()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get audit log files: %w", err)
	}

	var allEvents []Event
	totalCount := 0

	for _, filePath := range files {
		events, count, err := readEventsFromFile(filePath, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", filePath, err)
		}
		allEvents = append(allEvents, events...)
		totalCount += count
	}

	sort.SliceStable(allEvents, func(i, j int) bool {
		return allEvents[i].Timestamp.After(allEvents[j].Timestamp)
	})

	start := options.Offset
	if start > len(allEvents) {
		start = len(allEvents)
	}

	end := len(allEvents)
	if options.Limit > 0 {
		end = start + options.Limit
		if end > len(allEvents) {
			end = len(allEvents)
		}
	}

	return QueryResult{
		Events:     allEvents[start:end],
		TotalCount: totalCount,
		Filtered:   len(allEvents),
		HasMore:    end < len(allEvents),
	}, nil
}

// getAuditLogFiles returns the current log file followed by any rotated ones (audit.log.1, ...)
func (fl *FileLogger) getAuditLogFiles() ([]string, error) {
	current := fl.fileOpts.FilePath
	files := []string{current}

	matches, err := filepath.Glob(current + ".*")
	if err != nil {
		return files, nil
	}

	for _, match := range matches {
		if match != current {
			files = append(files, match)
		}
	}

	return files, nil
}

// readEventsFromFile reads and filters events from a specific file
func readEventsFromFile(filePath string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// skip corrupt lines
			continue
		}

		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}

	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, totalCount, nil
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Profile != "" && event.Profile != options.Profile {
		return false
	}
	if options.Cursor != "" && event.Cursor != options.Cursor {
		return false
	}
	if options.RunID != "" && event.RunID != options.RunID {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	return true
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

// ensureFileOpen reopens the log after a Close so a shared logger keeps working
func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}
