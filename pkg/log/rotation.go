// Log file rotation
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the size in megabytes at which the file is rotated.
	// Default is 10 MB.
	MaxSize int

	// MaxBackups is the number of rotated files kept as name.1 .. name.N.
	// Default is 5.
	MaxBackups int
}

// RotatingFileWriter is an io.Writer that rotates its file by size.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	file        *os.File
}

// NewRotatingFileWriter opens (or creates) the log file for appending.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 10
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}

	w := &RotatingFileWriter{
		filename:   config.Filename,
		maxSize:    int64(config.MaxSize) * 1024 * 1024,
		maxBackups: config.MaxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// rotate shifts name.N-1 -> name.N ... name -> name.1 and reopens name.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}
	os.Remove(w.backupName(w.maxBackups))
	for i := w.maxBackups - 1; i >= 1; i-- {
		os.Rename(w.backupName(i), w.backupName(i+1))
	}
	if err := os.Rename(w.filename, w.backupName(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	return w.open()
}

func (w *RotatingFileWriter) backupName(n int) string {
	return fmt.Sprintf("%s.%d", w.filename, n)
}

// Close closes the current file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentSize returns the size of the active file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// Filename returns the active file path.
func (w *RotatingFileWriter) Filename() string {
	return w.filename
}

// NewFileLogger returns a logger writing to a rotating file and, when
// console is true, also to stderr.
func NewFileLogger(prefix string, config RotationConfig, console bool) (*Logger, *RotatingFileWriter, error) {
	w, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, nil, err
	}
	l := New(prefix)
	l.SetColorize(false)
	if console {
		l.SetWriter(io.MultiWriter(os.Stderr, w))
	} else {
		l.SetWriter(w)
	}
	return l, w, nil
}
