package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"apiguard/internal/models"
	"apiguard/internal/utils"
)

var (
	// ErrSinkClosed is returned by Record after Close.
	ErrSinkClosed = errors.New("audit sink closed")

	// ErrSinkFull is returned when the buffer stayed full until the write deadline.
	ErrSinkFull = errors.New("audit sink buffer full")
)

// FileSinkConfig controls the rotating audit file.
type FileSinkConfig struct {
	// FileTemplate holds one %s that is replaced by a timestamp whenever a
	// new file is opened, e.g. "/var/log/apiguard/audit-%s.jsonl".
	FileTemplate string
	// MaxSize is the size in bytes after which the file is rotated.
	MaxSize int64
	// MaxFiles is how many files to keep, the active one included. Zero keeps all.
	MaxFiles      int
	BufferSize    int
	FlushInterval time.Duration
}

// FileSink appends records as JSON Lines to size-rotated local files. A
// single goroutine owns the file; Record only hands records over.
type FileSink struct {
	cfg FileSinkConfig

	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	ch   chan *models.RequestStat
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	now    func() time.Time
	logger *utils.Logger
}

// NewFileSink opens the first file and starts the writer goroutine.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if strings.Count(cfg.FileTemplate, "%s") != 1 {
		return nil, fmt.Errorf("audit file template %q must contain exactly one %%s", cfg.FileTemplate)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	s := &FileSink{
		cfg:    cfg,
		ch:     make(chan *models.RequestStat, cfg.BufferSize),
		done:   make(chan struct{}),
		now:    time.Now,
		logger: utils.NewLogger("audit-file"),
	}
	if err := s.openFile(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Record queues rec. It blocks while the buffer is full, up to ctx's deadline.
func (s *FileSink) Record(ctx context.Context, rec *models.RequestStat) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- rec:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSinkFull, ctx.Err())
	}
}

// Close writes out everything queued and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *FileSink) newFileName() string {
	return fmt.Sprintf(s.cfg.FileTemplate, s.now().UTC().Format("20060102-150405.000000000"))
}

func (s *FileSink) openFile() error {
	name := s.newFileName()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	s.currentFile = name
	s.currentSize = fi.Size()
	s.file = file
	s.writer = bufio.NewWriter(file)
	return nil
}

func (s *FileSink) rotate() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := s.openFile(); err != nil {
		return err
	}
	return s.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest files beyond MaxFiles. Timestamps in
// the names sort chronologically.
func (s *FileSink) cleanupOldFiles() error {
	if s.cfg.MaxFiles <= 0 {
		return nil
	}
	matches, err := filepath.Glob(fmt.Sprintf(s.cfg.FileTemplate, "*"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	for i := 0; i < len(matches)-s.cfg.MaxFiles; i++ {
		if matches[i] == s.currentFile {
			continue
		}
		if err := os.Remove(matches[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *FileSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.ch:
			s.write(rec)
		case <-ticker.C:
			if err := s.writer.Flush(); err != nil {
				s.logger.Warn("Failed to flush audit file", "file", s.currentFile, "error", err)
			}
		case <-s.done:
			for {
				select {
				case rec := <-s.ch:
					s.write(rec)
				default:
					if err := s.writer.Flush(); err != nil {
						s.logger.Warn("Failed to flush audit file", "file", s.currentFile, "error", err)
					}
					s.file.Close()
					return
				}
			}
		}
	}
}

func (s *FileSink) write(rec *models.RequestStat) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("Failed to encode audit record", "request_id", rec.RequestID, "error", err)
		return
	}
	data = append(data, '\n')

	if s.currentSize > 0 && s.currentSize+int64(len(data)) > s.cfg.MaxSize {
		if err := s.rotate(); err != nil {
			s.logger.Error("Failed to rotate audit file", "file", s.currentFile, "error", err)
		}
	}

	n, err := s.writer.Write(data)
	s.currentSize += int64(n)
	if err != nil {
		s.logger.Warn("Failed to write audit record", "request_id", rec.RequestID, "error", err)
	}
}
