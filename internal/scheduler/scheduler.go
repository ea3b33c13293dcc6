// Package scheduler drives the periodic BMS acquisition tick described in
// the pipeline's polling algorithm: connect-if-needed, bulk read with
// per-register fallback, derive power/SOC, synthesize alerts, and fan out.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/dalybms/internal/alerts"
	"github.com/srg/dalybms/internal/groutine"
	"github.com/srg/dalybms/internal/protocol"
	"github.com/srg/dalybms/internal/telemetry"
	"github.com/srg/dalybms/internal/transport"
)

const (
	connectFailureBackoff = 10 * time.Second
	wakeWait              = 1 * time.Second
	bulkWait              = 4 * time.Second
	perRegisterWait       = 2 * time.Second
	perRegisterSpacing    = 500 * time.Millisecond

	socEstimateMinVoltage = 24.0
	socEstimateMaxVoltage = 29.2
)

// Publisher is the Sink Fan-Out's inbound face, kept minimal so this package
// does not import the fanout package directly.
type Publisher interface {
	PublishRecord(ctx context.Context, rec telemetry.Record)
	PublishAlert(ctx context.Context, alert telemetry.AlertEvent)
}

// Session is the subset of transport.Session the scheduler drives.
type Session interface {
	IsConnected() bool
	LinkStatus() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, request []byte, wait time.Duration) ([][]byte, error)
	Disconnect() error
}

// Scheduler owns one BMS's acquisition loop.
type Scheduler struct {
	logger       *logrus.Logger
	session      Session
	rm           protocol.RegisterMap
	counters     *telemetry.Counters
	publisher    Publisher
	pollInterval time.Duration

	gocron gocron.Scheduler

	bulkMu         sync.Mutex
	lastBulkPayload []byte
}

// New constructs a Scheduler. pollInterval defaults to 30s when zero.
func New(logger *logrus.Logger, session Session, rm protocol.RegisterMap, counters *telemetry.Counters, publisher Publisher, pollInterval time.Duration) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		logger:       logger,
		session:      session,
		rm:           rm,
		counters:     counters,
		publisher:    publisher,
		pollInterval: pollInterval,
		gocron:       s,
	}, nil
}

// Start registers the recurring tick job and begins running it. Cancelling
// ctx lets the current tick finish, then stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.gocron.NewJob(
		gocron.DurationJob(s.pollInterval),
		gocron.NewTask(func() { s.tick(ctx) }),
	)
	if err != nil {
		return err
	}
	s.gocron.Start()

	groutine.Go(ctx, "scheduler-shutdown-watcher", func(ctx context.Context) {
		<-ctx.Done()
		_ = s.gocron.Shutdown()
	})
	return nil
}

// Stop blocks until the scheduler has released its resources.
func (s *Scheduler) Stop() error {
	return s.gocron.Shutdown()
}

// LastBulkPayload returns a copy of the most recent successfully validated
// bulk-read payload, or nil if none has been captured yet. Safe to call
// concurrently with the acquisition loop; wired to the Query Interface's
// soc-candidates diagnostics route.
func (s *Scheduler) LastBulkPayload() []byte {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()
	if s.lastBulkPayload == nil {
		return nil
	}
	out := make([]byte, len(s.lastBulkPayload))
	copy(out, s.lastBulkPayload)
	return out
}

func (s *Scheduler) setLastBulkPayload(payload []byte) {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()
	s.lastBulkPayload = append([]byte(nil), payload...)
}

// tick executes one acquisition cycle per the polling algorithm. Every
// return path runs to completion; no step panics.
func (s *Scheduler) tick(ctx context.Context) {
	tickStart := time.Now()

	if !s.session.IsConnected() {
		if err := s.session.Connect(ctx); err != nil {
			s.logger.WithError(err).Warn("scheduler: connect failed, backing off")
			s.counters.RecordError()
			s.counters.SetConnected(false)
			time.Sleep(connectFailureBackoff)
			return
		}
		s.counters.SetConnected(true)
		wake := protocol.BuildReadRequest(s.rm.TotalVoltage, 1)
		_, _ = s.session.Send(ctx, wake, wakeWait)
	}

	rec, err := s.acquire(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("scheduler: acquisition failed")
		s.counters.RecordError()
		s.counters.SetConnected(s.session.IsConnected())
		errRec := telemetry.Record{Timestamp: tickStart, Status: telemetry.HealthError, Link: linkStatusFrom(s.session.LinkStatus())}
		s.publisher.PublishRecord(ctx, errRec)
		return
	}

	rec.Timestamp = tickStart
	if rec.Voltage != nil && rec.Current != nil {
		power := *rec.Voltage * *rec.Current
		rec.Power = &power
	}
	if rec.SOC == nil && rec.Voltage != nil {
		soc := protocol.EstimateSOC(*rec.Voltage, socEstimateMinVoltage, socEstimateMaxVoltage)
		rec.SOC = &soc
		rec.SOCSource = "estimated"
	}

	rec.Link = linkStatusFrom(s.session.LinkStatus())
	if rec.AnyFieldSet() && rec.Link == telemetry.LinkConnected {
		rec.Status = telemetry.HealthNormal
		s.counters.RecordSuccess(tickStart)
	} else if rec.AnyFieldSet() {
		rec.Status = telemetry.HealthError
	} else {
		rec.Status = telemetry.HealthNoData
		s.counters.RecordError()
	}

	s.publisher.PublishRecord(ctx, rec)

	for _, ev := range alerts.Synthesize(rec, tickStart) {
		s.publisher.PublishAlert(ctx, ev)
	}
}

func linkStatusFrom(raw string) telemetry.LinkStatus {
	switch raw {
	case "connected":
		return telemetry.LinkConnected
	case "error":
		return telemetry.LinkError
	default:
		return telemetry.LinkDisconnected
	}
}

// acquire runs the bulk-first, per-register-fallback read strategy (steps
// 2-4 of the polling algorithm) and returns a partially or fully populated
// record.
func (s *Scheduler) acquire(ctx context.Context) (telemetry.Record, error) {
	var rec telemetry.Record

	bulkReq := protocol.BuildReadRequest(s.rm.CellVoltageBase, protocol.BulkReadCount)
	frames, err := s.session.Send(ctx, bulkReq, bulkWait)
	if err != nil {
		return rec, err
	}

	for _, frame := range frames {
		if protocol.IsEcho(bulkReq, frame) {
			continue
		}
		payload, verr := protocol.ValidateFrame(frame)
		if verr != nil {
			continue
		}
		rec = protocol.BulkExtract(s.rm, payload)
		s.setLastBulkPayload(payload)
		break
	}

	if rec.Voltage != nil {
		return rec, nil
	}

	s.logger.Debug("scheduler: bulk read yielded no voltage, falling back to per-register reads")
	return s.acquirePerRegister(ctx, rec)
}

type fallbackStep struct {
	addr  uint16
	count uint16
}

func (s *Scheduler) acquirePerRegister(ctx context.Context, rec telemetry.Record) (telemetry.Record, error) {
	steps := []fallbackStep{
		{s.rm.TotalVoltage, 1},
		{s.rm.Current, 1},
		{s.rm.TemperatureBase, protocol.TemperatureSensorCount},
		{s.rm.SOCRegister, 1},
	}

	for i, step := range steps {
		req := protocol.BuildReadRequest(step.addr, step.count)
		frames, err := s.session.Send(ctx, req, perRegisterWait)
		if err != nil {
			return rec, err
		}
		for _, frame := range frames {
			if protocol.IsEcho(req, frame) {
				continue
			}
			partial, perr := protocol.ParseResponse(s.rm, step.addr, step.count, frame)
			if perr != nil {
				continue
			}
			mergeRecord(&rec, partial)
			break
		}
		if i < len(steps)-1 {
			time.Sleep(perRegisterSpacing)
		}
	}

	return rec, nil
}

func mergeRecord(dst *telemetry.Record, src telemetry.Record) {
	if src.Voltage != nil {
		dst.Voltage = src.Voltage
	}
	if src.Current != nil {
		dst.Current = src.Current
		dst.Direction = src.Direction
	}
	if len(src.Temperatures) > 0 {
		dst.Temperatures = src.Temperatures
		dst.Temperature = src.Temperature
	}
	if src.SOC != nil {
		dst.SOC = src.SOC
		dst.SOCSource = src.SOCSource
	}
}
