// Package usage records per-tenant billing observations off the serving
// path. Emission never blocks and never raises: when the backlog is full
// the oldest records are dropped and counted (the billing rollup tolerates
// gaps, not serving stalls).
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/repo"
)

const defaultBuffer = 1024

// Emitter queues usage records for asynchronous persistence through the
// repository facade. The intake channel is never closed; shutdown is
// signalled through closing, so an Emit racing Close cannot hit a closed
// channel.
type Emitter struct {
	store   repo.Store
	ch      chan repo.UsageRecord
	dropped atomic.Uint64

	closeOnce sync.Once
	closing   chan struct{}
	drained   chan struct{}
}

func NewEmitter(store repo.Store, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	e := &Emitter{
		store:   store,
		ch:      make(chan repo.UsageRecord, buffer),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit enqueues one record. When the backlog is full the oldest queued
// record is discarded to make room, so the caller never waits. Records
// emitted after Close are silently dropped.
func (e *Emitter) Emit(tenantID uuid.UUID, principalID *uuid.UUID, surface, endpoint string, bytes int) {
	select {
	case <-e.closing:
		return
	default:
	}
	rec := repo.UsageRecord{
		TenantID: tenantID,
		UserID:   principalID,
		Surface:  surface,
		Endpoint: endpoint,
		Bytes:    bytes,
		At:       time.Now().UTC(),
	}
	for {
		select {
		case e.ch <- rec:
			return
		case <-e.closing:
			return
		default:
		}
		select {
		case <-e.ch:
			e.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of records discarded due to backlog overflow.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Emitter) run() {
	defer close(e.drained)
	for {
		select {
		case rec := <-e.ch:
			e.insert(rec)
		case <-e.closing:
			// Flush what is already buffered, then stop.
			for {
				select {
				case rec := <-e.ch:
					e.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) insert(rec repo.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.InsertUsage(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("tenant_id", rec.TenantID.String()).
			Str("endpoint", rec.Endpoint).
			Msg("usage insert failed")
	}
}

// Close stops intake and waits for queued records to flush.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
		<-e.drained
	})
}
