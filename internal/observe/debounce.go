// Package observe coalesces raw DOM mutation records into batches.
package observe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gemicons/gems"
)

// Config controls batching.
type Config struct {
	// Window is the quiet period after the last record before a flush. Default: 250ms.
	Window time.Duration `yaml:"window"`
	// MaxBuffer flushes immediately when this many records accumulate. Default: 1000.
	MaxBuffer int `yaml:"max_buffer"`
	// Queue is the inbound buffer between producers and the batching loop. Default: 4096.
	Queue int `yaml:"queue"`
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 250 * time.Millisecond
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 1000
	}
	if c.Queue <= 0 {
		c.Queue = 4096
	}
}

// Debouncer collects records pushed by event handlers and emits compressed
// batches when the window expires or the buffer fills.
type Debouncer struct {
	cfg   Config
	flush func(gems.Batch)
	log   *zap.Logger

	in      chan gems.Record
	records []gems.Record
	timer   *time.Timer
	timerCh <-chan time.Time

	seq     atomic.Uint64
	dropped atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New starts a Debouncer that hands every batch to flush. flush runs on the
// debouncer goroutine and must not block for long.
func New(cfg Config, flush func(gems.Batch), log *zap.Logger) *Debouncer {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	d := &Debouncer{
		cfg:     cfg,
		flush:   flush,
		log:     log,
		in:      make(chan gems.Record, cfg.Queue),
		records: make([]gems.Record, 0, cfg.MaxBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// Push queues rec without blocking. When the queue is full the record is
// dropped; the periodic pass covers anything a lost trigger would have caught.
func (d *Debouncer) Push(rec gems.Record) {
	select {
	case <-d.stopCh:
		return
	default:
	}
	select {
	case d.in <- rec:
	default:
		if d.dropped.Add(1) == 1 {
			d.log.Warn("Mutation queue full, dropping records")
		}
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (d *Debouncer) Dropped() uint64 { return d.dropped.Load() }

// Stop flushes whatever is buffered and waits for the loop to exit.
func (d *Debouncer) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *Debouncer) loop() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			d.drain()
			d.emit()
			return
		case rec := <-d.in:
			d.add(rec)
		case <-d.timerCh:
			d.emit()
		}
	}
}

func (d *Debouncer) drain() {
	for {
		select {
		case rec := <-d.in:
			d.records = append(d.records, rec)
		default:
			return
		}
	}
}

func (d *Debouncer) add(rec gems.Record) {
	d.records = append(d.records, rec)

	if len(d.records) >= d.cfg.MaxBuffer {
		d.emit()
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
}

func (d *Debouncer) emit() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
	if len(d.records) == 0 {
		return
	}

	recs := Compress(d.records)
	batch := gems.Batch{
		ID:        uuid.NewString(),
		Seq:       d.seq.Add(1),
		Records:   append([]gems.Record(nil), recs...),
		Timestamp: time.Now().UnixMilli(),
	}
	d.records = d.records[:0]

	d.log.Debug("Mutation batch ready", zap.String("id", batch.ID), zap.Uint64("seq", batch.Seq), zap.Int("records", len(batch.Records)))
	d.flush(batch)
}

// Compress folds runs of attribute changes to the same (node, name) and runs
// of text changes on the same node into their last record. Structural
// records are never folded.
func Compress(records []gems.Record) []gems.Record {
	if len(records) <= 1 {
		return records
	}

	out := make([]gems.Record, 0, len(records))
	for i := 0; i < len(records); i++ {
		rec := records[i]
		switch rec.Op {
		case gems.OpAttr:
			j := i + 1
			for j < len(records) &&
				records[j].Op == gems.OpAttr &&
				records[j].NodeID == rec.NodeID &&
				records[j].Name == rec.Name {
				rec = records[j]
				j++
			}
			out = append(out, rec)
			i = j - 1
		case gems.OpText:
			j := i + 1
			for j < len(records) &&
				records[j].Op == gems.OpText &&
				records[j].NodeID == rec.NodeID {
				rec = records[j]
				j++
			}
			out = append(out, rec)
			i = j - 1
		default:
			out = append(out, rec)
		}
	}
	return out
}
