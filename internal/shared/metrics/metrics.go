package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	turnStartedTotal   atomic.Uint64
	turnCompletedTotal atomic.Uint64
	turnFailedTotal    atomic.Uint64

	deckJobStartedTotal   atomic.Uint64
	deckJobCompletedTotal atomic.Uint64
	deckJobCancelledTotal atomic.Uint64
	deckJobFailedTotal    atomic.Uint64

	turnDuration    = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
	deckJobDuration = newHistogram([]float64{500, 1000, 2000, 5000, 10000, 30000, 60000, 120000, 300000})
)

// IncTurnStarted increments the conversation turn started counter.
func IncTurnStarted() {
	turnStartedTotal.Add(1)
}

// IncTurnCompleted increments the conversation turn completed counter.
func IncTurnCompleted() {
	turnCompletedTotal.Add(1)
}

// IncTurnFailed increments the conversation turn failed counter.
func IncTurnFailed() {
	turnFailedTotal.Add(1)
}

// IncDeckJobStarted increments the deck job started counter.
func IncDeckJobStarted() {
	deckJobStartedTotal.Add(1)
}

// IncDeckJobCompleted increments the deck job completed counter.
func IncDeckJobCompleted() {
	deckJobCompletedTotal.Add(1)
}

// IncDeckJobCancelled increments the deck job cancelled counter.
func IncDeckJobCancelled() {
	deckJobCancelledTotal.Add(1)
}

// IncDeckJobFailed increments the deck job failed counter.
func IncDeckJobFailed() {
	deckJobFailedTotal.Add(1)
}

// ObserveTurnDurationMs records a conversation turn duration in milliseconds.
func ObserveTurnDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	turnDuration.Observe(value)
}

// ObserveDeckJobDurationMs records a deck job duration in milliseconds.
func ObserveDeckJobDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	deckJobDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "conversation_turn_started_total", "Total conversation turns started", turnStartedTotal.Load())
	writeCounter(&buf, "conversation_turn_completed_total", "Total conversation turns completed", turnCompletedTotal.Load())
	writeCounter(&buf, "conversation_turn_failed_total", "Total conversation turns failed", turnFailedTotal.Load())
	writeCounter(&buf, "deck_job_started_total", "Total deck analysis jobs started", deckJobStartedTotal.Load())
	writeCounter(&buf, "deck_job_completed_total", "Total deck analysis jobs completed", deckJobCompletedTotal.Load())
	writeCounter(&buf, "deck_job_cancelled_total", "Total deck analysis jobs cancelled", deckJobCancelledTotal.Load())
	writeCounter(&buf, "deck_job_failed_total", "Total deck analysis jobs failed", deckJobFailedTotal.Load())
	writeHistogram(&buf, "conversation_turn_duration_ms", "Conversation turn duration in milliseconds", turnDuration.Snapshot())
	writeHistogram(&buf, "deck_job_duration_ms", "Deck analysis job duration in milliseconds", deckJobDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

