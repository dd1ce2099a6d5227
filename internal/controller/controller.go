// Package controller sequences measurement runs over a worker pool:
// one rate-step per entry in a rate spec, snapshotting host sensors
// before and after, aggregating counters, and handing results to
// injected sinks. Grounded on original_source/src/dns_sender.cpp's
// DNSSender::run/getResults/showCurrentStats.
package controller

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dnsblast/internal/csvsink"
	"dnsblast/internal/payload"
	"dnsblast/internal/rawrx"
	"dnsblast/internal/receiver"
	"dnsblast/internal/sender"
	"dnsblast/internal/system"
)

var rangeSpec = regexp.MustCompile(`^([0-9]+)-([0-9]+),([0-9]+)$`)

// ParseRateSpec accepts a single integer, a comma-separated list, or a
// "start-end,step" arithmetic progression. An empty spec means
// unlimited (a single 0 rate-step).
func ParseRateSpec(spec string) ([]uint64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return []uint64{0}, nil
	}
	if m := rangeSpec.FindStringSubmatch(spec); m != nil {
		start, _ := strconv.ParseUint(m[1], 10, 64)
		end, _ := strconv.ParseUint(m[2], 10, 64)
		step, _ := strconv.ParseUint(m[3], 10, 64)
		if step == 0 {
			return nil, fmt.Errorf("controller: invalid rate spec %q: step must be non-zero", spec)
		}
		var rates []uint64
		for r := start; r <= end; r += step {
			rates = append(rates, r)
		}
		return rates, nil
	}
	var rates []uint64
	for _, tok := range strings.Split(spec, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("controller: invalid rate spec %q: %w", spec, err)
		}
		rates = append(rates, v)
	}
	return rates, nil
}

// Result is one rate-step's aggregated measurement.
type Result struct {
	QueryRate      uint64
	Duration       time.Duration
	PacketsSent    uint64
	BytesSent      uint64
	SendErrors     uint64
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsLost     uint64
	RTTAvg          time.Duration
	RTTMin          time.Duration
	RTTMax          time.Duration
	Before, After   system.Stat
}

// ProgressSink receives one update per second while a rate-step runs.
type ProgressSink interface {
	Progress(elapsed time.Duration, sentDelta, recvDelta, sentBytesDelta, recvBytesDelta uint64)
}

// ResultSink receives one completed rate-step's aggregated Result.
type ResultSink interface {
	Result(r Result)
}

// LogProgressSink is the default ProgressSink, writing to the ambient
// structured logger instead of printf, replacing
// DNSSender::showCurrentStats's direct stdout writes.
type LogProgressSink struct {
	Log zerolog.Logger
}

func (s LogProgressSink) Progress(elapsed time.Duration, sentDelta, recvDelta, sentBytesDelta, recvBytesDelta uint64) {
	h := int(elapsed.Hours())
	m := int(elapsed.Minutes()) % 60
	sec := int(elapsed.Seconds()) % 60
	s.Log.Info().
		Str("elapsed", fmt.Sprintf("%02d:%02d:%02d", h, m, sec)).
		Uint64("sent", sentDelta).
		Uint64("received", recvDelta).
		Uint64("sent_kb", sentBytesDelta/1024).
		Uint64("received_kb", recvBytesDelta/1024).
		Msg("progress")
}

// CSVResultSink adapts a csvsink.Sink to the ResultSink contract.
type CSVResultSink struct {
	Sink *csvsink.Sink
}

func (s CSVResultSink) Result(r Result) {
	sendQPS := float64(r.PacketsSent) / r.Duration.Seconds()
	recvQPS := float64(r.PacketsReceived) / r.Duration.Seconds()
	errQPS := float64(r.SendErrors) / r.Duration.Seconds()
	lostRate := 0.0
	if r.PacketsSent > 0 {
		lostRate = float64(r.PacketsLost) / float64(r.PacketsSent)
	}
	_ = s.Sink.Write(csvsink.Result{
		SendQPS:     sendQPS,
		ReceivedQPS: recvQPS,
		ErrorQPS:    errQPS,
		LostRate:    lostRate,
		RTTAvgMs:    r.RTTAvg.Seconds() * 1000,
		RTTMinMs:    r.RTTMin.Seconds() * 1000,
		RTTMaxMs:    r.RTTMax.Seconds() * 1000,
	})
}

// Config collects everything the controller needs to sequence one full
// run of rate-steps.
type Config struct {
	Destination     net.IP
	DestPort        uint16
	Store           *payload.Store
	WorkerCount     int
	Runtime         time.Duration
	Timeout         time.Duration
	Rates           []uint64
	DNSSECRate      int
	Source          sender.SourceMode
	IgnoreResponses bool
	NewSocket       func() (TxSocket, error)
	NewReceiver     func() (rawrx.Receiver, error)
	Sampler         system.Sampler
	Progress        ProgressSink
	Results         ResultSink
	Log             zerolog.Logger
}

// TxSocket is the narrow transmit contract a worker's raw socket
// must satisfy (matches rawtx.Socket's exported surface).
type TxSocket interface {
	SetDestination(ip net.IP, port uint16)
	Send(b []byte) (int, error)
	Close() error
}

// Controller sequences rate-steps over a worker pool, the core
// orchestration loop grounded on DNSSender::run/getResults.
type Controller struct {
	cfg Config
}

// New returns a Controller ready to Run.
func New(cfg Config) *Controller {
	if cfg.Progress == nil {
		cfg.Progress = LogProgressSink{Log: cfg.Log}
	}
	return &Controller{cfg: cfg}
}

// Run executes every rate-step in order, stopping early (with partial
// results still emitted) if ctx is cancelled mid-step.
func (c *Controller) Run(ctx context.Context) error {
	for _, rate := range c.cfg.Rates {
		result, err := c.runStep(ctx, rate)
		if err != nil {
			return err
		}
		if c.cfg.Results != nil {
			c.cfg.Results.Result(result)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (c *Controller) timeslice(rate uint64) float64 {
	if rate == 0 {
		return 1.0
	}
	ts := 1000.0 * float64(c.cfg.WorkerCount) / float64(rate)
	if ts < 0.1 {
		ts = 0.1
	}
	return ts
}

func (c *Controller) runStep(ctx context.Context, rate uint64) (Result, error) {
	before, _ := c.sampleSensors()

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var recvTask *receiver.Task
	if !c.cfg.IgnoreResponses && c.cfg.NewReceiver != nil {
		rx, err := c.cfg.NewReceiver()
		if err != nil {
			return Result{}, fmt.Errorf("controller: receiver init: %w", err)
		}
		if err := rx.SetSource(c.cfg.Destination, c.cfg.DestPort); err != nil {
			return Result{}, fmt.Errorf("controller: receiver set source: %w", err)
		}
		recvTask = receiver.New(rx, c.cfg.Log)
		go recvTask.Run(stepCtx)
	}

	perWorkerRate := rate / uint64(c.cfg.WorkerCount)
	timeslice := c.timeslice(rate)

	workers := make([]*sender.Worker, c.cfg.WorkerCount)
	sockets := make([]TxSocket, c.cfg.WorkerCount)
	for i := 0; i < c.cfg.WorkerCount; i++ {
		sock, err := c.cfg.NewSocket()
		if err != nil {
			return Result{}, fmt.Errorf("controller: raw socket open: %w", err)
		}
		sockets[i] = sock
		workers[i] = sender.New(sender.Config{
			Destination:     c.cfg.Destination,
			DestPort:        c.cfg.DestPort,
			Source:          c.cfg.Source,
			Store:           c.cfg.Store,
			Runtime:         c.cfg.Runtime,
			Timeout:         c.cfg.Timeout,
			QueryRate:       perWorkerRate,
			TimesliceMillis: timeslice,
			DNSSECRate:      c.cfg.DNSSECRate,
		}, sock, c.cfg.Log)
	}

	start := time.Now()
	done := make(chan struct{})
	for _, w := range workers {
		w := w
		go func() {
			w.Run()
		}()
	}
	go func() {
		for _, w := range workers {
			for w.State() != sender.Stopped {
				time.Sleep(10 * time.Millisecond)
			}
		}
		close(done)
	}()

	c.reportProgress(ctx, start, done, workers, recvTask)

	if ctx.Err() != nil {
		for _, w := range workers {
			w.SignalStop()
		}
	}
	<-done
	cancel()

	for _, s := range sockets {
		s.Close()
	}

	after, _ := c.sampleSensors()
	return c.aggregate(rate, start, workers, recvTask, before, after), nil
}

func (c *Controller) sampleSensors() (system.Stat, error) {
	if c.cfg.Sampler == nil {
		return system.Stat{}, nil
	}
	return c.cfg.Sampler.Snapshot()
}

func (c *Controller) reportProgress(ctx context.Context, start time.Time, done <-chan struct{}, workers []*sender.Worker, recvTask *receiver.Task) {
	var prevSent, prevRecv, prevSentBytes, prevRecvBytes uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, sentBytes := sumSendCounters(workers)
			var recv, recvBytes uint64
			if recvTask != nil {
				recv = recvTask.Counters().PacketsReceived.Load()
				recvBytes = recvTask.Counters().BytesReceived.Load()
			}
			c.cfg.Progress.Progress(time.Since(start), sent-prevSent, recv-prevRecv, sentBytes-prevSentBytes, recvBytes-prevRecvBytes)
			prevSent, prevRecv, prevSentBytes, prevRecvBytes = sent, recv, sentBytes, recvBytes
		}
	}
}

func sumSendCounters(workers []*sender.Worker) (sent, bytes uint64) {
	for _, w := range workers {
		sent += w.Counters().PacketsSent.Load()
		bytes += w.Counters().BytesSent.Load()
	}
	return
}

func (c *Controller) aggregate(rate uint64, start time.Time, workers []*sender.Worker, recvTask *receiver.Task, before, after system.Stat) Result {
	r := Result{QueryRate: rate, Duration: time.Since(start), Before: before, After: after}
	for _, w := range workers {
		ctr := w.Counters()
		r.PacketsSent += ctr.PacketsSent.Load()
		r.BytesSent += ctr.BytesSent.Load()
		r.SendErrors += ctr.Errors.Load()
	}
	if recvTask != nil {
		ctr := recvTask.Counters()
		r.PacketsReceived = ctr.PacketsReceived.Load()
		r.BytesReceived = ctr.BytesReceived.Load()
		count := float64(r.PacketsReceived)
		if count > 0 {
			r.RTTAvg = time.Duration(ctr.RTTSum.Load() / count * float64(time.Second))
		}
		r.RTTMin = time.Duration(ctr.RTTMin.Load() * float64(time.Second))
		r.RTTMax = time.Duration(ctr.RTTMax.Load() * float64(time.Second))
	}
	if r.PacketsSent > r.PacketsReceived {
		r.PacketsLost = r.PacketsSent - r.PacketsReceived
	}
	return r
}
