//go:build tinygo

// Package telemetry provides a zero-heap OTLP-shaped log/metric/span
// export queue for the device firmware, plus a slog.Handler (see
// slog.go) that tees every log line to both the serial console and this
// queue. Nothing here is load-bearing for flashing itself, if the
// collector is unreachable the queues simply fill, drop the oldest
// entry, and keep going.
package telemetry

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	FlushInterval = 30 * time.Second
	HTTPTimeout   = 10 * time.Second
	MaxRetries    = 2
)

// Log severity levels (OTLP standard).
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// Span status codes (OTLP standard).
const (
	SpanStatusUnset = 0
	SpanStatusOK    = 1
	SpanStatusError = 2
)

// Span kinds (OTLP standard, trimmed to the ones this firmware emits).
const (
	SpanKindInternal = 1
	SpanKindServer   = 2
)

var (
	tcpRxBuf [512]byte
	tcpTxBuf [2560]byte
)

var (
	BodyBuf [2048]byte
	respBuf [256]byte
)

// LogEntry is one queued log record.
type LogEntry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [128]byte
	TraceID   [16]byte
	SpanID    [8]byte
	HasTrace  bool
}

// MetricPoint is one queued gauge or counter sample.
type MetricPoint struct {
	Timestamp int64
	Value     int64
	NameLen   uint8
	Name      [32]byte
	IsGauge   bool
}

// Span is one queued trace span.
type Span struct {
	TraceID    [16]byte
	SpanID     [8]byte
	ParentID   [8]byte
	PrevSpanID [8]byte // previous CurrentSpanID, restored on EndSpan
	StartTime  int64
	EndTime    int64
	NameLen    uint8
	Name       [32]byte
	Kind       uint8
	StatusOK   bool
	Active     bool
}

var (
	LogQueue    [8]LogEntry
	LogHead     int
	LogCount    int
	MetricQueue [8]MetricPoint
	MetricHead  int
	MetricCount int
	SpanQueue   [4]Span
	SpanHead    int
	SpanCount   int
)

var (
	mu        sync.Mutex
	enabled   bool
	paused    bool // paused while a load is in progress, to avoid TCP contention with the orchestrator's own transports
	sendingWg sync.WaitGroup
	stack     *xnet.StackAsync
	logger    *slog.Logger
	collector netip.AddrPort

	CurrentTraceID [16]byte
	CurrentSpanID  [8]byte
	HasTraceCtx    bool

	SentLogs    int
	SentMetrics int
	SentSpans   int
	SendErrors  int
)

// Init wires the telemetry queues to a network stack and collector
// address, and starts the background flush loop.
func Init(s *xnet.StackAsync, log *slog.Logger, collectorAddr netip.AddrPort) error {
	mu.Lock()
	stack = s
	logger = log
	collector = collectorAddr
	enabled = true
	mu.Unlock()

	go senderLoop()

	if log != nil {
		log.Info("telemetry:init", slog.String("collector", collectorAddr.String()))
	}
	return nil
}

// Log queues a log entry at the given severity.
func Log(severity uint8, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return
	}

	idx := (LogHead + LogCount) % len(LogQueue)
	if LogCount >= len(LogQueue) {
		LogHead = (LogHead + 1) % len(LogQueue)
	} else {
		LogCount++
	}

	entry := &LogQueue[idx]
	entry.Timestamp = time.Now().UnixNano()
	entry.Severity = severity

	msgLen := len(msg)
	if msgLen > len(entry.Body) {
		msgLen = len(entry.Body)
	}
	entry.BodyLen = uint8(msgLen)
	copy(entry.Body[:], msg[:msgLen])

	entry.HasTrace = HasTraceCtx
	if HasTraceCtx {
		copy(entry.TraceID[:], CurrentTraceID[:])
		copy(entry.SpanID[:], CurrentSpanID[:])
	}
}

func LogDebug(msg string) { Log(SeverityDebug, msg) }
func LogInfo(msg string)  { Log(SeverityInfo, msg) }
func LogWarn(msg string)  { Log(SeverityWarn, msg) }
func LogError(msg string) { Log(SeverityError, msg) }

// RecordGauge records a point-in-time value, e.g. blocks remaining.
func RecordGauge(name string, value int64) {
	recordMetric(name, value, true)
}

// RecordCounter records a monotonic total, e.g. loads completed.
func RecordCounter(name string, value int64) {
	recordMetric(name, value, false)
}

func recordMetric(name string, value int64, isGauge bool) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return
	}

	idx := (MetricHead + MetricCount) % len(MetricQueue)
	if MetricCount >= len(MetricQueue) {
		MetricHead = (MetricHead + 1) % len(MetricQueue)
	} else {
		MetricCount++
	}

	point := &MetricQueue[idx]
	point.Timestamp = time.Now().UnixNano()
	point.Value = value
	point.IsGauge = isGauge

	nameLen := len(name)
	if nameLen > len(point.Name) {
		nameLen = len(point.Name)
	}
	point.NameLen = uint8(nameLen)
	copy(point.Name[:], name[:nameLen])
}

// GenerateTraceID starts a fresh X-Ray compatible trace ID for one
// top-level operation (one boot-time dispatch, one load).
func GenerateTraceID(s *xnet.StackAsync) {
	mu.Lock()
	defer mu.Unlock()

	ts := uint32(time.Now().Unix())
	CurrentTraceID[0] = byte(ts >> 24)
	CurrentTraceID[1] = byte(ts >> 16)
	CurrentTraceID[2] = byte(ts >> 8)
	CurrentTraceID[3] = byte(ts)

	for i := 0; i < 3; i++ {
		r := s.Prand32()
		CurrentTraceID[4+i*4] = byte(r >> 24)
		CurrentTraceID[4+i*4+1] = byte(r >> 16)
		CurrentTraceID[4+i*4+2] = byte(r >> 8)
		CurrentTraceID[4+i*4+3] = byte(r)
	}
	for i := 0; i < 2; i++ {
		r := s.Prand32()
		CurrentSpanID[i*4] = byte(r >> 24)
		CurrentSpanID[i*4+1] = byte(r >> 16)
		CurrentSpanID[i*4+2] = byte(r >> 8)
		CurrentSpanID[i*4+3] = byte(r)
	}
	HasTraceCtx = true
}

func startSpan(s *xnet.StackAsync, name string, kind uint8) int {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return -1
	}

	idx := -1
	for i := 0; i < len(SpanQueue); i++ {
		if !SpanQueue[i].Active {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = SpanHead
		SpanHead = (SpanHead + 1) % len(SpanQueue)
	}

	span := &SpanQueue[idx]
	span.Active = true
	span.StartTime = time.Now().UnixNano()
	span.EndTime = 0
	span.StatusOK = false
	span.Kind = kind

	copy(span.TraceID[:], CurrentTraceID[:])
	copy(span.ParentID[:], CurrentSpanID[:])
	copy(span.PrevSpanID[:], CurrentSpanID[:])

	r1, r2 := s.Prand32(), s.Prand32()
	span.SpanID[0] = byte(r1 >> 24)
	span.SpanID[1] = byte(r1 >> 16)
	span.SpanID[2] = byte(r1 >> 8)
	span.SpanID[3] = byte(r1)
	span.SpanID[4] = byte(r2 >> 24)
	span.SpanID[5] = byte(r2 >> 16)
	span.SpanID[6] = byte(r2 >> 8)
	span.SpanID[7] = byte(r2)

	copy(CurrentSpanID[:], span.SpanID[:])

	nameLen := len(name)
	if nameLen > len(span.Name) {
		nameLen = len(span.Name)
	}
	span.NameLen = uint8(nameLen)
	copy(span.Name[:], name[:nameLen])

	return idx
}

// StartSpan starts a child span, e.g. "ntp-sync" nested under a dispatch.
func StartSpan(s *xnet.StackAsync, name string) int {
	return startSpan(s, name, SpanKindInternal)
}

// StartServerSpan starts a top-level span for one boot-time dispatch or
// one triggered load (the root of the trace, analogous to an inbound
// request in a server).
func StartServerSpan(s *xnet.StackAsync, name string) int {
	return startSpan(s, name, SpanKindServer)
}

// EndSpan completes the span at idx and restores the parent span as
// current, so sibling spans get the right parent.
func EndSpan(idx int, statusOK bool) {
	mu.Lock()
	defer mu.Unlock()
	if idx < 0 || idx >= len(SpanQueue) {
		return
	}

	span := &SpanQueue[idx]
	if !span.Active {
		return
	}
	span.EndTime = time.Now().UnixNano()
	span.StatusOK = statusOK
	span.Active = false

	copy(CurrentSpanID[:], span.PrevSpanID[:])

	if SpanCount < len(SpanQueue) {
		SpanCount++
	}
}

func senderLoop() {
	for {
		time.Sleep(FlushInterval)

		mu.Lock()
		isEnabled, isPaused := enabled, paused
		mu.Unlock()
		if !isEnabled || isPaused {
			continue
		}

		flushLogs()
		flushMetrics()
		flushSpans()
	}
}

// Pause stops telemetry sending and blocks until any in-progress HTTP
// operation finishes. Call this before starting a load, so the
// collector's TCP connection doesn't contend with netflash/status on
// the loader's single network stack.
func Pause() {
	mu.Lock()
	paused = true
	mu.Unlock()
	sendingWg.Wait()
}

// Resume resumes telemetry sending after Pause.
func Resume() {
	mu.Lock()
	paused = false
	mu.Unlock()
}

func IsPaused() bool {
	mu.Lock()
	defer mu.Unlock()
	return paused
}

// Flush sends all queued logs, metrics, and spans immediately.
func Flush() {
	flushLogs()
	flushMetrics()
	flushSpans()
}

func flushLogs() {
	mu.Lock()
	if LogCount == 0 || !enabled || paused {
		mu.Unlock()
		return
	}
	bodyLen := BuildLogsJSON()
	count := LogCount
	LogHead, LogCount = 0, 0
	mu.Unlock()

	if bodyLen == 0 {
		return
	}
	if err := sendHTTPPost("/v1/logs", bodyLen); err != nil {
		mu.Lock()
		SendErrors++
		mu.Unlock()
		if logger != nil {
			logger.Debug("telemetry:logs-failed", slog.String("err", err.Error()))
		}
		return
	}
	mu.Lock()
	SentLogs += count
	mu.Unlock()
}

func flushMetrics() {
	mu.Lock()
	if MetricCount == 0 || !enabled || paused {
		mu.Unlock()
		return
	}
	bodyLen := BuildMetricsJSON()
	count := MetricCount
	MetricHead, MetricCount = 0, 0
	mu.Unlock()

	if bodyLen == 0 {
		return
	}
	if err := sendHTTPPost("/v1/metrics", bodyLen); err != nil {
		mu.Lock()
		SendErrors++
		mu.Unlock()
		if logger != nil {
			logger.Debug("telemetry:metrics-failed", slog.String("err", err.Error()))
		}
		return
	}
	mu.Lock()
	SentMetrics += count
	mu.Unlock()
}

func flushSpans() {
	mu.Lock()
	if SpanCount == 0 || !enabled || paused {
		mu.Unlock()
		return
	}
	bodyLen := BuildSpansJSON()
	count := SpanCount
	SpanCount = 0
	mu.Unlock()

	if bodyLen == 0 {
		return
	}
	if err := sendHTTPPost("/v1/traces", bodyLen); err != nil {
		mu.Lock()
		SendErrors++
		mu.Unlock()
		if logger != nil {
			logger.Debug("telemetry:spans-failed", slog.String("err", err.Error()))
		}
		return
	}
	mu.Lock()
	SentSpans += count
	mu.Unlock()
}

func sendHTTPPost(path string, bodyLen int) error {
	sendingWg.Add(1)
	defer sendingWg.Done()

	mu.Lock()
	s, c := stack, collector
	mu.Unlock()
	if s == nil {
		return errors.New("no stack")
	}

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}

	rstack := s.StackRetrying(5 * time.Millisecond)
	lport := uint16(s.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, c, HTTPTimeout, MaxRetries); err != nil {
		conn.Abort()
		return err
	}

	time.Sleep(50 * time.Millisecond)
	if !conn.State().IsSynchronized() {
		conn.Abort()
		return errors.New("connection not established")
	}

	conn.SetDeadline(time.Now().Add(HTTPTimeout))
	conn.Write([]byte("POST "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(c.Addr().String()))
	conn.Write([]byte("\r\nContent-Type: application/json\r\nContent-Length: "))
	writeHTTPInt(&conn, bodyLen)
	conn.Write([]byte("\r\nConnection: close\r\n\r\n"))
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	written := 0
	for written < bodyLen {
		chunk := bodyLen - written
		if chunk > 1024 {
			chunk = 1024
		}
		n, err := conn.Write(BodyBuf[written : written+chunk])
		if err != nil {
			conn.Abort()
			return errors.New("write failed: body")
		}
		written += n
		conn.Flush()
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	respLen, _ := conn.Read(respBuf[:])

	conn.Close()
	for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	s.DiscardResolveHardwareAddress6(c.Addr())

	if respLen >= 12 && respBuf[9] == '2' {
		return nil
	}
	return errors.New("http error")
}

func writeHTTPInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

// Status reports current queue depths and lifetime send counters.
func Status() (isEnabled bool, queuedLogs, queuedMetrics, queuedSpans int,
	sentLogs, sentMetrics, sentSpans, errs int, collectorAddr string) {
	mu.Lock()
	defer mu.Unlock()
	return enabled, LogCount, MetricCount, SpanCount,
		SentLogs, SentMetrics, SentSpans,
		SendErrors, collector.String()
}

func Disable() {
	mu.Lock()
	enabled = false
	mu.Unlock()
}

func Enable() {
	mu.Lock()
	enabled = true
	mu.Unlock()
}
