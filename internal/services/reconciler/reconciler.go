package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/broker/messages"
	"github.com/BearBump/ShipRecon/internal/changedetect"
	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/BearBump/ShipRecon/internal/models"
)

type Repository interface {
	FindDueShipments(ctx context.Context, now time.Time, limit int) ([]*models.Shipment, error)
	GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error)
	UpsertShipment(ctx context.Context, sh *models.Shipment) error
	AppendEvents(ctx context.Context, shipmentID uint64, events []*models.ShipmentEvent) error
	DeferShipments(ctx context.Context, ids []uint64, until time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Reconciler drives the poll / normalize / compare / persist / publish
// cycle. One instance runs one loop: cycles never overlap because runOnce
// is called synchronously from Run.
type Reconciler struct {
	repo     Repository
	provider provider.Client
	producer Producer

	topic   string
	planner atomic.Pointer[Planner]

	pollInterval time.Duration
	batchSize    atomic.Int32
	concurrency  atomic.Int32

	triggerCh   chan struct{}
	tickResetCh chan time.Duration

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalFetched        atomic.Int64
	totalChanged        atomic.Int64
	totalArchived       atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, client provider.Client, producer Producer, topic string) *Reconciler {
	r := &Reconciler{
		repo:     repo,
		provider: client,
		producer: producer,
		topic:    topic,

		pollInterval: time.Minute,

		triggerCh:         make(chan struct{}, 1),
		tickResetCh:       make(chan time.Duration, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
	r.planner.Store(DefaultPlanner())
	r.batchSize.Store(100)
	r.concurrency.Store(10)
	return r
}

func (r *Reconciler) WithSettings(pollInterval time.Duration, batchSize, concurrency int) *Reconciler {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize.Store(int32(batchSize))
	}
	if concurrency > 0 {
		r.concurrency.Store(int32(concurrency))
	}
	return r
}

func (r *Reconciler) WithPlanner(cfg PlannerConfig) *Reconciler {
	r.planner.Store(NewPlanner(cfg))
	return r
}

// Retune applies new operational settings to a running loop. The planner
// and sizes swap atomically and take effect on the next cycle; the tick
// resets once the loop observes it. Zero values leave a knob untouched.
func (r *Reconciler) Retune(pollInterval time.Duration, batchSize, concurrency int, pc PlannerConfig) {
	r.planner.Store(NewPlanner(pc))
	if batchSize > 0 {
		r.batchSize.Store(int32(batchSize))
	}
	if concurrency > 0 {
		r.concurrency.Store(int32(concurrency))
	}
	if pollInterval > 0 {
		select {
		case r.tickResetCh <- pollInterval:
		default:
		}
	}
	slog.Info("reconciler retuned",
		"poll_interval", pollInterval,
		"batch_size", batchSize,
		"concurrency", concurrency)
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalFetched  int64      `json:"totalFetched"`
	TotalChanged  int64      `json:"totalChanged"`
	TotalArchived int64      `json:"totalArchived"`
	TotalErrors   int64      `json:"totalErrors"`
	InFlight      int64      `json:"inFlight"`
	LastError     string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalFetched:  r.totalFetched.Load(),
		TotalChanged:  r.totalChanged.Load(),
		TotalArchived: r.totalArchived.Load(),
		TotalErrors:   r.totalErrors.Load(),
		InFlight:      r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		case d := <-r.tickResetCh:
			t.Reset(d)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	shipments, err := r.repo.FindDueShipments(ctx, now, int(r.batchSize.Load()))
	if err != nil {
		// Abort the cycle; due times stay untouched and the next tick
		// retries the same batch.
		slog.Error("find due shipments", "error", err.Error())
		r.noteError(err)
		return
	}
	if len(shipments) == 0 {
		return
	}

	items := make([]provider.BatchItem, 0, len(shipments))
	ids := make([]uint64, 0, len(shipments))
	for _, sh := range shipments {
		items = append(items, provider.BatchItem{TrackingNumber: sh.TrackingNumber, CarrierCode: sh.CarrierCode})
		ids = append(ids, sh.ID)
	}

	payloads, err := r.provider.FetchBatch(ctx, items)
	if err != nil {
		r.noteError(err)
		if errors.Is(err, provider.ErrRateLimited) {
			until := now.Add(r.planner.Load().RateLimitDefer())
			if derr := r.repo.DeferShipments(ctx, ids, until); derr != nil {
				slog.Error("defer rate limited batch", "error", derr.Error())
				return
			}
			slog.Warn("provider rate limited, batch deferred", "count", len(ids), "until", until)
			return
		}
		slog.Error("fetch batch", "error", err.Error())
		return
	}
	r.totalFetched.Add(int64(len(shipments)))

	sem := make(chan struct{}, r.concurrency.Load())
	var wg sync.WaitGroup
	for _, sh := range shipments {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		r.inFlight.Add(1)
		go func() {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if _, err := r.apply(ctx, shCopy, payloads[shCopy.TrackingNumber], now); err != nil {
				r.totalErrors.Add(1)
				r.noteError(err)
				slog.Error("reconcile shipment", "shipment_id", shCopy.ID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

// ReconcileOne runs the full cycle for a single shipment right now. Used by
// manual refresh. Returns the updated shipment and whether new information
// was persisted.
func (r *Reconciler) ReconcileOne(ctx context.Context, shipmentID uint64) (*models.Shipment, bool, error) {
	sh, err := r.repo.GetShipmentByID(ctx, shipmentID)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	raw, ok, err := r.provider.FetchOne(ctx, sh.TrackingNumber, sh.CarrierCode)
	if err != nil {
		r.noteError(err)
		return nil, false, err
	}
	if !ok {
		raw = nil
	}

	changed, err := r.apply(ctx, sh, raw, now)
	if err != nil {
		return nil, false, err
	}
	return sh, changed, nil
}

// apply reconciles one shipment against its raw payload (nil means the
// provider had nothing) and persists the outcome. The shipment document is
// always written, even when nothing changed, so check times survive
// restarts. Publishing happens after the write and never undoes it.
func (r *Reconciler) apply(ctx context.Context, sh *models.Shipment, raw json.RawMessage, checkedAt time.Time) (bool, error) {
	sh.LastCheckAt = &checkedAt

	ev, ok, fp := provider.Normalize(raw)
	if !ok {
		sh.NextCheckAt = checkedAt.Add(r.planner.Load().NoDataDelay())
		return false, r.repo.UpsertShipment(ctx, sh)
	}

	changed := changedetect.Changed(sh.Fingerprint, fp)
	if changed {
		sh.LastEvent = &ev
		sh.Fingerprint = fp
	}

	if ev.Status == models.StatusDelivered {
		sh.State = models.StateArchived
		if sh.DeliveredAt == nil {
			// Prefer the event's own time over when we happened to look.
			if ev.EventTime != nil {
				sh.DeliveredAt = ev.EventTime
			} else {
				sh.DeliveredAt = &checkedAt
			}
			r.totalArchived.Add(1)
		}
	} else {
		sh.NextCheckAt = checkedAt.Add(r.planner.Load().NextCheckDelay(ev.Status, sh.LastEvent != nil))
	}

	if err := r.repo.UpsertShipment(ctx, sh); err != nil {
		return false, err
	}

	if !changed {
		return false, nil
	}
	r.totalChanged.Add(1)

	if err := r.repo.AppendEvents(ctx, sh.ID, []*models.ShipmentEvent{{
		ShipmentID:   sh.ID,
		Status:       ev.Status,
		StatusRaw:    ev.StatusRaw,
		EventTime:    ev.EventTime,
		EventTimeRaw: ev.EventTimeRaw,
		Location:     ev.Location,
		Payload:      ev.Payload,
	}}); err != nil {
		// History is secondary; the document is already saved.
		slog.Warn("append shipment history", "shipment_id", sh.ID, "error", err.Error())
	}

	return true, r.publish(ctx, sh, &ev, checkedAt)
}

func (r *Reconciler) publish(ctx context.Context, sh *models.Shipment, ev *models.Event, checkedAt time.Time) error {
	msg := messages.ShipmentChanged{
		ShipmentID:     sh.ID,
		TrackingNumber: sh.TrackingNumber,
		CarrierCode:    sh.CarrierCode,
		Status:         ev.Status,
		StatusRaw:      ev.StatusRaw,
		EventTime:      ev.EventTime,
		EventTimeRaw:   ev.EventTimeRaw,
		Location:       ev.Location,
		Fingerprint:    sh.Fingerprint,
		CheckedAt:      checkedAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	key := []byte(strconv.FormatUint(sh.ID, 10))
	// Kafka may not be up right after compose start; retry briefly.
	var pubErr error
	for i := 0; i < 10; i++ {
		if err := r.producer.Publish(ctx, r.topic, key, b); err == nil {
			pubErr = nil
			break
		} else {
			pubErr = err
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	return pubErr
}

func (r *Reconciler) noteError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}
