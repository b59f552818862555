package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Journal appends events as JSON lines to one file per UTC day:
// <dir>/<yyyy-mm-dd>/events.jsonl, rotated by size.
type Journal struct {
	dir       string
	maxSizeMB int

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

func NewJournal(dir string, maxSizeMB int) *Journal {
	if maxSizeMB <= 0 {
		maxSizeMB = 25
	}
	return &Journal{dir: dir, maxSizeMB: maxSizeMB}
}

// Write appends one event.
func (j *Journal) Write(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", evt.Type, err)
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if date := at.UTC().Format("2006-01-02"); date != j.currentDate || j.logger == nil {
		if err := j.rotateForDate(date); err != nil {
			return err
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

func (j *Journal) rotateForDate(date string) error {
	if j.logger != nil {
		if err := j.logger.Close(); err != nil {
			slog.Debug("journal close previous file failed", "date", j.currentDate, "error", err)
		}
	}
	dir := filepath.Join(j.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal: create %s: %w", dir, err)
	}
	j.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "events.jsonl"),
		MaxSize:    j.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Debug("journal file opened", "date", date, "dir", dir)
	return nil
}

// Run subscribes to the broker and journals every event until ctx is done.
func (j *Journal) Run(ctx context.Context, broker *Broker) {
	id, ch := broker.Subscribe()
	defer broker.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Write(evt); err != nil {
				slog.Warn("event journal write failed", "type", evt.Type, "error", err)
			}
		}
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger == nil {
		return nil
	}
	err := j.logger.Close()
	j.logger = nil
	j.currentDate = ""
	return err
}
