// Package audit keeps a JSON-lines journal of lease database changes,
// one event per line, written asynchronously.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds journal configuration.
type Config struct {
	// Path is the journal file, appended to across restarts.
	Path string

	// NodeID identifies this node in every event.
	NodeID string

	// BufferSize is the event buffer size for async writes.
	BufferSize int

	// FlushInterval is how often buffered events are written out.
	FlushInterval time.Duration

	// SyncWrites forces synchronous writes (slower but safer).
	SyncWrites bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// Journal writes lease events to a JSON-lines file.
type Journal struct {
	config Config
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer

	eventChan chan *Event
	dropped   int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJournal creates a journal writing to cfg.Path.
func NewJournal(cfg Config, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		config:    cfg,
		logger:    logger,
		eventChan: make(chan *Event, cfg.BufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start opens the journal file and begins the async writer.
func (j *Journal) Start() error {
	f, err := os.OpenFile(j.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", j.config.Path, err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)

	j.Record(&Event{Type: EventSystemStart})

	if !j.config.SyncWrites {
		j.wg.Add(1)
		go j.run()
	}

	j.logger.Info("lease journal started",
		zap.String("path", j.config.Path),
		zap.Bool("sync", j.config.SyncWrites))
	return nil
}

// Stop flushes pending events and closes the file.
func (j *Journal) Stop() error {
	j.Record(&Event{Type: EventSystemStop})

	close(j.stopCh)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	j.drainLocked()
	if j.w != nil {
		if err := j.w.Flush(); err != nil {
			j.file.Close()
			return fmt.Errorf("flush journal: %w", err)
		}
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
	}
	j.logger.Info("lease journal stopped", zap.Int64("dropped", j.dropped))
	return nil
}

// Record queues one event. In sync mode the event is written before
// Record returns.
func (j *Journal) Record(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.NodeID == "" {
		event.NodeID = j.config.NodeID
	}

	if j.config.SyncWrites {
		j.mu.Lock()
		j.writeLocked(event)
		j.w.Flush()
		j.mu.Unlock()
		return
	}

	select {
	case j.eventChan <- event:
	default:
		j.dropped++
		j.logger.Warn("journal event dropped, buffer full",
			zap.String("type", string(event.Type)))
	}
}

func (j *Journal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case event := <-j.eventChan:
			j.mu.Lock()
			j.writeLocked(event)
			j.mu.Unlock()
		case <-ticker.C:
			j.mu.Lock()
			if err := j.w.Flush(); err != nil {
				j.logger.Error("journal flush failed", zap.Error(err))
			}
			j.mu.Unlock()
		}
	}
}

func (j *Journal) drainLocked() {
	for {
		select {
		case event := <-j.eventChan:
			j.writeLocked(event)
		default:
			return
		}
	}
}

func (j *Journal) writeLocked(event *Event) {
	line, err := json.Marshal(event)
	if err != nil {
		j.logger.Error("journal event not serialisable", zap.Error(err))
		return
	}
	j.w.Write(line)
	j.w.WriteByte('\n')
}
