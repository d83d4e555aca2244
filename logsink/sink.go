package logsink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/animsession/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

const (
	batchSize     = 100
	flushInterval = 2 * time.Second
	queueSize     = 1024

	// DefaultComponent is recorded for entries from an unnamed logger.
	DefaultComponent = "server"
)

// Sink persists log entries to the log_entries table in batches.
// Attach it to a logger with zapcore.NewTee(base, sink.Core(level)).
type Sink struct {
	db       *gorm.DB
	ch       chan *model.LogEntry
	flushReq chan chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	// fallback reports the sink's own failures; it must not write back into the sink.
	fallback *zap.Logger
}

// New creates a Sink and starts its background worker.
func New(db *gorm.DB, fallback *zap.Logger) *Sink {
	s := &Sink{
		db:       db,
		ch:       make(chan *model.LogEntry, queueSize),
		flushReq: make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		fallback: fallback,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Core returns a zapcore.Core that feeds entries at or above level into the sink.
func (s *Sink) Core(level zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: level, sink: s}
}

func (s *Sink) enqueue(e *model.LogEntry) {
	select {
	case s.ch <- e:
	default:
		s.fallback.Warn("log sink queue full, dropping entry", zap.String("component", e.Component))
	}
}

// Flush blocks until every entry enqueued so far has been written.
func (s *Sink) Flush() {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
		<-done
	case <-s.stopCh:
	}
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (s *Sink) Stop(_ context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sink) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.LogEntry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.db.Create(&batch).Error; err != nil {
			s.fallback.Error("log sink batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-s.ch:
				batch = append(batch, e)
				if len(batch) >= batchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case done := <-s.flushReq:
			drain()
			close(done)
		case <-s.stopCh:
			drain()
			return
		}
	}
}

// Query returns a component's entries with CreatedAt in [start, end], oldest first.
// Entries are stored in UTC, so bounds are converted before comparing; SQLite
// compares them as text.
func (s *Sink) Query(ctx context.Context, component string, start, end time.Time) ([]model.LogEntry, error) {
	var out []model.LogEntry
	err := s.db.WithContext(ctx).
		Where("component = ? AND created_at >= ? AND created_at <= ?", component, start.UTC(), end.UTC()).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// Prune deletes entries older than before and reports how many were removed.
func (s *Sink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&model.LogEntry{})
	return res.RowsAffected, res.Error
}

type core struct {
	zapcore.LevelEnabler
	sink   *Sink
	fields []zapcore.Field
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &core{LevelEnabler: c.LevelEnabler, sink: c.sink, fields: merged}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	component := ent.LoggerName
	if component == "" {
		component = DefaultComponent
	}
	c.sink.enqueue(&model.LogEntry{
		Component: component,
		Level:     ent.Level.String(),
		Message:   render(ent.Message, c.fields, fields),
		CreatedAt: ent.Time.UTC(),
	})
	return nil
}

func (c *core) Sync() error {
	c.sink.Flush()
	return nil
}

// render appends the structured fields to msg as a JSON object.
func render(msg string, groups ...[]zapcore.Field) string {
	enc := zapcore.NewMapObjectEncoder()
	for _, fs := range groups {
		for _, f := range fs {
			f.AddTo(enc)
		}
	}
	if len(enc.Fields) == 0 {
		return msg
	}
	b, err := json.Marshal(enc.Fields)
	if err != nil {
		return msg
	}
	return msg + " " + string(b)
}
