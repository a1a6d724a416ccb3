package runner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/logstore"
)

// LogSink receives the averaged log buffer whenever a LoggerHook fires.
type LogSink interface {
	Open(r *Runner) error
	Log(r *Runner) error
	Close(r *Runner) error
}

// LoggerHook averages the log buffer every Interval training iterations and
// once per validation epoch, then hands it to its sink.
type LoggerHook struct {
	BaseHook
	Interval   int
	IgnoreLast bool
	Sink       LogSink
}

// NewTextLoggerHook logs through the runner's logger.
func NewTextLoggerHook(interval int) *LoggerHook {
	return &LoggerHook{Interval: interval, IgnoreLast: true, Sink: &TextSink{}}
}

// NewSqliteLoggerHook stores records in <work_dir>/log.db.
func NewSqliteLoggerHook(interval int) *LoggerHook {
	return &LoggerHook{Interval: interval, IgnoreLast: true, Sink: &SqliteSink{}}
}

func (h *LoggerHook) BeforeRun(r *Runner) error { return h.Sink.Open(r) }
func (h *LoggerHook) AfterRun(r *Runner) error  { return h.Sink.Close(r) }

func (h *LoggerHook) BeforeTrainEpoch(r *Runner) error {
	r.LogBuffer().Clear()
	return nil
}

func (h *LoggerHook) BeforeValEpoch(r *Runner) error {
	r.LogBuffer().Clear()
	return nil
}

func (h *LoggerHook) AfterTrainIter(r *Runner) error {
	buf := r.LogBuffer()
	if r.everyNInnerIters(h.Interval) || (r.endOfEpoch() && !h.IgnoreLast) {
		buf.Average(h.Interval)
	}
	if buf.Ready() {
		return h.Sink.Log(r)
	}
	return nil
}

func (h *LoggerHook) AfterTrainEpoch(r *Runner) error {
	if r.LogBuffer().Ready() {
		return h.Sink.Log(r)
	}
	return nil
}

func (h *LoggerHook) AfterValEpoch(r *Runner) error {
	r.LogBuffer().Average(0)
	return h.Sink.Log(r)
}

// TextSink writes one line per record:
//
//	Epoch [e][i/N]	lr: 0.01000, eta: 0:01:05, time: 0.012, data_time: 0.001, loss: 1.2345, ...
//	Epoch(val) [e][N]	loss: 1.1000, ...
type TextSink struct {
	timeSum   float64
	timeCount int
}

func (s *TextSink) Open(*Runner) error  { return nil }
func (s *TextSink) Close(*Runner) error { return nil }

func (s *TextSink) Log(r *Runner) error {
	r.Logger().Info(s.format(r))
	return nil
}

func (s *TextSink) format(r *Runner) string {
	out := r.LogBuffer().Output()
	var b strings.Builder
	if r.Mode() == train.ModeTrain {
		fmt.Fprintf(&b, "Epoch [%d][%d/%d]\tlr: %.5f, ", r.Epoch()+1, r.InnerIter()+1, r.EpochLen(), r.CurrentLR())
		if t, ok := out["time"]; ok {
			s.timeSum += t
			s.timeCount++
			eta := time.Duration(s.timeSum / float64(s.timeCount) * float64(r.MaxIters()-r.Iter()-1) * float64(time.Second))
			fmt.Fprintf(&b, "eta: %s, time: %.3f, ", formatETA(eta), t)
			if dt, ok := out["data_time"]; ok {
				fmt.Fprintf(&b, "data_time: %.3f, ", dt)
			}
		}
	} else {
		fmt.Fprintf(&b, "Epoch(%s) [%d][%d]\t", r.Mode(), r.Epoch(), r.EpochLen())
	}
	var items []string
	for _, k := range r.LogBuffer().Keys() {
		if k == "time" || k == "data_time" {
			continue
		}
		items = append(items, fmt.Sprintf("%s: %.4f", k, out[k]))
	}
	b.WriteString(strings.Join(items, ", "))
	return strings.TrimSuffix(b.String(), ", ")
}

func formatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}

// SqliteSink appends every record to the log store in the runner's work dir.
type SqliteSink struct {
	store *logstore.Store
}

func (s *SqliteSink) Open(r *Runner) error {
	store, err := logstore.Open(r.WorkDir())
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	run := logstore.Run{ID: r.RunID(), WorkDir: r.WorkDir(), Config: r.ConfigText()}
	if err := store.StartRun(context.Background(), run); err != nil {
		store.Close()
		return err
	}
	s.store = store
	return nil
}

func (s *SqliteSink) Log(r *Runner) error {
	if s.store == nil {
		return fmt.Errorf("log store is not open")
	}
	vars := make(map[string]float64, len(r.LogBuffer().Output()))
	for k, v := range r.LogBuffer().Output() {
		// JSON has no encoding for NaN or Inf.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			r.Logger().Warnf("not storing non-finite %s=%v", k, v)
			continue
		}
		vars[k] = v
	}
	epoch, iter := r.Epoch(), r.Iter()
	if r.Mode() == train.ModeTrain {
		epoch, iter = epoch+1, iter+1
	}
	return s.store.Append(context.Background(), logstore.Record{
		RunID: r.RunID(),
		Mode:  r.Mode(),
		Epoch: epoch,
		Iter:  iter,
		LR:    r.CurrentLR(),
		Vars:  vars,
	})
}

func (s *SqliteSink) Close(*Runner) error {
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}
