package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/domain"
	"fleet-monitor/gateway/internal/metrics"
	"fleet-monitor/gateway/internal/protocol"
)

const (
	lockBackoffMin = 5 * time.Millisecond
	lockBackoffMax = 200 * time.Millisecond
)

var (
	ErrMissingDeviceID = errors.New("device_id is required")
	ErrEmptyBatch      = errors.New("batch contains no events")
)

// IsClientError reports whether err was caused by the request itself and
// nothing was written to the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingDeviceID) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, protocol.ErrMalformedRaw)
}

type Status string

const (
	StatusProcessed  Status = "processed"
	StatusDuplicate  Status = "duplicate"
	StatusInProgress Status = "in_progress"
	StatusOrphan     Status = "orphan"
	StatusFailed     Status = "failed"
)

type IngestResult struct {
	Status            Status          `json:"status"`
	Success           bool            `json:"success"`
	EventsStored      int             `json:"events_stored"`
	EventsNormalized  int             `json:"events_normalized"`
	AlertsTriggered   int             `json:"alerts_triggered"`
	AnomaliesDetected int             `json:"anomalies_detected"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Duplicate         bool            `json:"duplicate"`
	Protocol          domain.Protocol `json:"protocol"`
	ProcessingTimeMs  int64           `json:"processing_time_ms"`
	Rejected          []Rejection     `json:"rejected"`
	Error             string          `json:"error,omitempty"`
}

// Hints is request metadata carried outside the payload body.
type Hints struct {
	Protocol       string
	IdempotencyKey string
}

type Options struct {
	Dispatcher  *Dispatcher
	Locker      Locker
	Anomaly     AnomalyConfig
	ColdChain   ColdChainBand
	Lease       time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
	LockTTL     time.Duration
	LockWait    time.Duration
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Gateway runs one inbound batch through the whole pipeline. It keeps no
// per-call state; the idempotency key's uniqueness in the store is what makes
// concurrent calls safe.
type Gateway struct {
	store       Store
	dispatcher  *Dispatcher
	locker      Locker
	anomalies   *AnomalyDetector
	policies    *PolicyEngine
	coldChain   ColdChainBand
	lease       time.Duration
	retryDelay  time.Duration
	maxAttempts int
	lockTTL     time.Duration
	lockWait    time.Duration
	log         logrus.FieldLogger
	now         func() time.Time
}

func NewGateway(store Store, opts Options) *Gateway {
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = opts.LockTTL
	}
	if opts.ColdChain == (ColdChainBand{}) {
		opts.ColdChain = DefaultColdChainBand
	}
	if opts.Anomaly.TeleportRatio == 0 {
		opts.Anomaly = DefaultAnomalyConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		store:       store,
		dispatcher:  opts.Dispatcher,
		locker:      opts.Locker,
		anomalies:   NewAnomalyDetector(opts.Anomaly),
		policies:    NewPolicyEngine(),
		coldChain:   opts.ColdChain,
		lease:       opts.Lease,
		retryDelay:  opts.RetryDelay,
		maxAttempts: opts.MaxAttempts,
		lockTTL:     opts.LockTTL,
		lockWait:    opts.LockWait,
		log:         opts.Logger,
		now:         opts.Now,
	}
}

// Ingest processes one batch. Client errors (see IsClientError) come back
// with a nil result and nothing stored. Any other error comes back together
// with a failed result.
func (g *Gateway) Ingest(ctx context.Context, p *domain.GatewayPayload, hints Hints) (res *IngestResult, err error) {
	start := g.now()
	proto := protocol.Detect(p, hints.Protocol)
	defer func() {
		status := "rejected"
		if res != nil {
			res.ProcessingTimeMs = g.now().Sub(start).Milliseconds()
			status = string(res.Status)
		}
		metrics.IngestRequests.WithLabelValues(status, string(proto)).Inc()
		metrics.IngestLatency.WithLabelValues(string(proto)).Observe(g.now().Sub(start).Seconds())
	}()

	if strings.TrimSpace(p.DeviceID) == "" {
		return nil, ErrMissingDeviceID
	}
	recs, skipped, err := protocol.Records(p, proto)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrEmptyBatch
	}

	key := IdempotencyKey(p, recs, hints.IdempotencyKey)
	res = &IngestResult{IdempotencyKey: key, Protocol: proto, Rejected: skippedRejections(skipped)}
	log := g.log.WithFields(logrus.Fields{
		"device_id":       p.DeviceID,
		"idempotency_key": key,
		"protocol":        proto,
	})

	dev, err := g.store.GetDevice(ctx, p.DeviceID)
	if err != nil {
		return g.fail(res, fmt.Errorf("lookup device: %w", err))
	}

	rawPayload, err := json.Marshal(p)
	if err != nil {
		return g.fail(res, fmt.Errorf("encode raw payload: %w", err))
	}
	claim := &domain.RawMessageRecord{
		ID:             uuid.NewString(),
		DeviceID:       p.DeviceID,
		Protocol:       proto,
		IdempotencyKey: key,
		RawPayload:     rawPayload,
		Status:         domain.RawStatusProcessing,
		EventCount:     len(recs),
		CreatedAt:      start,
		UpdatedAt:      start,
	}
	orphan := dev == nil || !dev.Active
	if orphan {
		claim.Status = domain.RawStatusOrphan
	} else {
		claim.TenantID = dev.TenantID
	}

	stored, claimed, err := g.store.ClaimRawMessage(ctx, claim, g.lease)
	if err != nil {
		return g.fail(res, fmt.Errorf("store raw message: %w", err))
	}
	if !claimed {
		log.WithField("status", stored.Status).Info("duplicate batch ignored")
		return duplicateResult(res, stored), nil
	}
	if orphan {
		log.Warn("unknown or inactive device, batch stored as orphan")
		res.Status = StatusOrphan
		return res, nil
	}

	release := g.lock(ctx, dev, log)
	defer release()

	events := protocol.NormalizeBatch(proto, recs, start)
	res.EventsNormalized = len(events)
	valid, rejected := validateBatch(events, g.now())
	if len(rejected) > 0 {
		res.Rejected = append(res.Rejected, rejected...)
		metrics.EventsRejected.WithLabelValues(string(proto)).Add(float64(len(rejected)))
		log.WithField("rejected", len(rejected)).Debug("events failed validation")
	}
	sortByTime(valid)

	return g.process(ctx, dev, stored, proto, valid, res, log)
}

// Replay re-runs a stored raw message: from its normalized snapshot when one
// was kept, otherwise from the raw payload.
func (g *Gateway) Replay(ctx context.Context, rec *domain.RawMessageRecord) (*IngestResult, error) {
	res := &IngestResult{IdempotencyKey: rec.IdempotencyKey, Protocol: rec.Protocol, Rejected: []Rejection{}}
	log := g.log.WithFields(logrus.Fields{
		"device_id":       rec.DeviceID,
		"idempotency_key": rec.IdempotencyKey,
		"protocol":        rec.Protocol,
		"replay":          true,
	})

	dev, err := g.store.GetDevice(ctx, rec.DeviceID)
	if err != nil {
		return g.fail(res, fmt.Errorf("lookup device: %w", err))
	}
	if dev == nil || !dev.Active {
		res.Status = StatusOrphan
		return res, nil
	}

	claim := *rec
	claim.Status = domain.RawStatusProcessing
	claim.TenantID = dev.TenantID
	claim.UpdatedAt = g.now()
	stored, claimed, err := g.store.ClaimRawMessage(ctx, &claim, g.lease)
	if err != nil {
		return g.fail(res, fmt.Errorf("claim raw message: %w", err))
	}
	if !claimed {
		return duplicateResult(res, stored), nil
	}

	release := g.lock(ctx, dev, log)
	defer release()

	if len(stored.Normalized) > 0 && string(stored.Normalized) != "null" {
		events, err := domain.UnmarshalEvents(stored.Normalized)
		if err == nil {
			res.EventsNormalized = len(events)
			return g.process(ctx, dev, stored, stored.Protocol, events, res, log)
		}
		log.WithError(err).Warn("normalized snapshot unreadable, replaying from raw payload")
	}

	var p domain.GatewayPayload
	if err := json.Unmarshal(stored.RawPayload, &p); err != nil {
		g.markFailed(ctx, stored, err, nil, false, log)
		return g.fail(res, fmt.Errorf("decode raw payload: %w", err))
	}
	recs, skipped, err := protocol.Records(&p, stored.Protocol)
	if err != nil {
		g.markFailed(ctx, stored, err, nil, false, log)
		return g.fail(res, err)
	}
	res.Rejected = append(res.Rejected, skippedRejections(skipped)...)
	events := protocol.NormalizeBatch(stored.Protocol, recs, stored.CreatedAt)
	res.EventsNormalized = len(events)
	valid, rejected := validateBatch(events, g.now())
	res.Rejected = append(res.Rejected, rejected...)
	sortByTime(valid)
	return g.process(ctx, dev, stored, stored.Protocol, valid, res, log)
}

// process persists a validated, sorted batch and runs every downstream stage.
// Only the event insert can fail the call.
func (g *Gateway) process(
	ctx context.Context,
	dev *domain.Device,
	raw *domain.RawMessageRecord,
	proto domain.Protocol,
	events []domain.NormalizedEvent,
	res *IngestResult,
	log logrus.FieldLogger,
) (*IngestResult, error) {
	now := g.now()
	vehicleID := dev.VehicleKey()
	snapshot, _ := domain.MarshalEvents(events)

	var (
		prev       *domain.NormalizedEvent
		fleetCount int
	)
	if len(events) > 0 {
		var err error
		if prev, err = g.store.LatestEvent(ctx, dev.TenantID, vehicleID); err != nil {
			log.WithError(err).Warn("previous event lookup failed")
			prev = nil
		}
		since := now.Add(-g.anomalies.Config().FleetWindow())
		if fleetCount, err = g.store.CountFleetAnomalies(ctx, dev.TenantID, vehicleID, since); err != nil {
			log.WithError(err).Warn("fleet anomaly count failed")
			fleetCount = 0
		}

		envelopes := make([]domain.EventEnvelope, len(events))
		for i, ev := range events {
			envelopes[i] = domain.EventEnvelope{
				TenantID:     dev.TenantID,
				DeviceID:     dev.ID,
				VehicleID:    vehicleID,
				Protocol:     proto,
				RawMessageID: raw.ID,
				Event:        ev,
			}
		}
		if err := g.store.InsertEvents(ctx, envelopes); err != nil {
			metrics.StoreFailures.WithLabelValues("events").Inc()
			g.markFailed(ctx, raw, err, snapshot, true, log)
			res.EventsStored = 0
			return g.fail(res, fmt.Errorf("insert events: %w", err))
		}
		metrics.EventsStored.WithLabelValues(string(proto)).Add(float64(len(events)))
	}
	res.EventsStored = len(events)

	if readings := g.coldChain.Extract(dev, events); len(readings) > 0 {
		if err := g.store.InsertColdChain(ctx, readings); err != nil {
			metrics.StoreFailures.WithLabelValues("cold_chain").Inc()
			log.WithError(err).Error("cold chain insert failed")
		}
	}

	if anomalies := g.anomalies.Detect(dev, prev, events, fleetCount, now); len(anomalies) > 0 {
		if err := g.store.InsertAnomalies(ctx, anomalies); err != nil {
			metrics.StoreFailures.WithLabelValues("anomalies").Inc()
			log.WithError(err).Error("anomaly insert failed")
		} else {
			res.AnomaliesDetected = len(anomalies)
			for i := range anomalies {
				metrics.AnomaliesDetected.WithLabelValues(string(anomalies[i].Type)).Inc()
				g.notify(domain.NotifyAnomaly, dev, anomalies[i], now)
			}
		}
	}

	if len(events) > 0 {
		g.evaluatePolicies(ctx, dev, events, now, res, log)
	}

	if err := g.store.MarkRawProcessed(ctx, raw.IdempotencyKey, len(events), snapshot); err != nil {
		metrics.StoreFailures.WithLabelValues("raw_message").Inc()
		log.WithError(err).Error("marking raw message processed failed")
	}

	if len(events) > 0 {
		g.updateDeviceState(ctx, dev, proto, events, now, log)
	}

	res.Status = StatusProcessed
	res.Success = true
	return res, nil
}

func (g *Gateway) evaluatePolicies(
	ctx context.Context,
	dev *domain.Device,
	events []domain.NormalizedEvent,
	now time.Time,
	res *IngestResult,
	log logrus.FieldLogger,
) {
	policies, err := g.store.ActivePolicies(ctx, dev.TenantID)
	if err != nil {
		metrics.StoreFailures.WithLabelValues("policies").Inc()
		log.WithError(err).Error("loading policies failed")
		return
	}
	alerts, triggers := g.policies.Evaluate(dev, policies, events, now)
	if len(alerts) == 0 {
		return
	}
	if err := g.store.InsertAlerts(ctx, alerts); err != nil {
		metrics.StoreFailures.WithLabelValues("alerts").Inc()
		log.WithError(err).Error("alert insert failed")
		return
	}
	res.AlertsTriggered = len(alerts)
	for i := range alerts {
		metrics.AlertsTriggered.WithLabelValues(string(alerts[i].Severity)).Inc()
		g.notify(domain.NotifyAlert, dev, alerts[i], now)
	}
	if err := g.store.RecordPolicyTriggers(ctx, triggers); err != nil {
		metrics.StoreFailures.WithLabelValues("policy_triggers").Inc()
		log.WithError(err).Error("policy trigger stats update failed")
	}
}

func (g *Gateway) updateDeviceState(
	ctx context.Context,
	dev *domain.Device,
	proto domain.Protocol,
	events []domain.NormalizedEvent,
	now time.Time,
	log logrus.FieldLogger,
) {
	latest := events[len(events)-1]
	version := dev.ProtocolVersion
	if v, ok := latest.Extras["protocol_version"].(string); ok && v != "" {
		version = v
	}
	if err := g.store.UpdateDeviceState(ctx, dev.ID, latest.Timestamp, proto, version); err != nil {
		metrics.StoreFailures.WithLabelValues("device_state").Inc()
		log.WithError(err).Warn("device state update failed")
	}
	if g.dispatcher != nil {
		g.dispatcher.DispatchState(&domain.LiveState{
			DeviceID:   dev.ID,
			VehicleID:  dev.VehicleKey(),
			TenantID:   dev.TenantID,
			Protocol:   proto,
			Event:      latest,
			ReceivedAt: now,
		})
	}
}

func (g *Gateway) notify(kind domain.NotificationKind, dev *domain.Device, payload any, now time.Time) {
	if g.dispatcher == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	g.dispatcher.DispatchNotification(&domain.Notification{
		Kind:      kind,
		TenantID:  dev.TenantID,
		DeviceID:  dev.ID,
		VehicleID: dev.VehicleKey(),
		Payload:   body,
		At:        now,
	})
}

// lock takes the per-device lock when a Locker is configured. While another
// holder owns it, acquisition is retried with backoff for up to lockWait or
// until ctx ends. A Locker error or running out of time is logged and
// processing continues unlocked.
func (g *Gateway) lock(ctx context.Context, dev *domain.Device, log logrus.FieldLogger) func() {
	if g.locker == nil {
		return func() {}
	}
	deadline := time.Now().Add(g.lockWait)
	backoff := lockBackoffMin
	for {
		release, ok, err := g.locker.AcquireDeviceLock(ctx, dev.ID, g.lockTTL)
		if err != nil {
			log.WithError(err).Warn("device lock unavailable, continuing unlocked")
			return func() {}
		}
		if ok {
			return func() {
				if err := release(context.Background()); err != nil {
					log.WithError(err).Warn("device lock release failed")
				}
			}
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			log.WithField("waited", g.lockWait).Warn("device lock still held, continuing unlocked")
			return func() {}
		}
		if backoff < wait {
			wait = backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.WithError(ctx.Err()).Warn("device lock wait cancelled, continuing unlocked")
			return func() {}
		case <-timer.C:
		}
		if backoff *= 2; backoff > lockBackoffMax {
			backoff = lockBackoffMax
		}
	}
}

// markFailed records a failure. When retry is set and attempts remain, the
// message is scheduled for replay after the retry delay.
func (g *Gateway) markFailed(ctx context.Context, raw *domain.RawMessageRecord, cause error, snapshot []byte, retry bool, log logrus.FieldLogger) {
	var retryAt *time.Time
	if retry && raw.Attempts < g.maxAttempts {
		t := g.now().Add(g.retryDelay)
		retryAt = &t
	}
	if err := g.store.MarkRawFailed(ctx, raw.IdempotencyKey, cause.Error(), snapshot, retryAt); err != nil {
		metrics.StoreFailures.WithLabelValues("raw_message").Inc()
		log.WithError(err).Error("marking raw message failed did not persist")
	}
}

func (g *Gateway) fail(res *IngestResult, err error) (*IngestResult, error) {
	res.Status = StatusFailed
	res.Success = false
	res.Error = err.Error()
	return res, err
}

func duplicateResult(res *IngestResult, stored *domain.RawMessageRecord) *IngestResult {
	res.Duplicate = true
	res.Success = true
	res.Status = StatusDuplicate
	if stored.Status == domain.RawStatusProcessing {
		res.Status = StatusInProgress
	}
	return res
}

func sortByTime(events []domain.NormalizedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
