package server

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// Version is reported by the labrecorder_info metric. Set by main.
var Version = "dev"

// registerMetrics registers the /metrics endpoint for Prometheus scraping.
func (s *Server) registerMetrics(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.writeMetrics(w)
	})
}

func (s *Server) writeMetrics(w io.Writer) {
	rec := s.rec

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_info Recorder version and name.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_info gauge\n")
	_, _ = fmt.Fprintf(w, "labrecorder_info{version=%q,recorder=%q} 1\n", Version, rec.Name())

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_uptime_seconds Seconds since server start.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "labrecorder_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_writer_up Whether a writer is draining the queue.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_writer_up gauge\n")
	if rec.Ready() {
		_, _ = fmt.Fprintf(w, "labrecorder_writer_up 1\n")
	} else {
		_, _ = fmt.Fprintf(w, "labrecorder_writer_up 0\n")
	}

	if st, ok := rec.WriterStatus(); ok {
		_, _ = fmt.Fprintf(w, "# HELP labrecorder_writer_points_total Points persisted by the writer.\n")
		_, _ = fmt.Fprintf(w, "# TYPE labrecorder_writer_points_total counter\n")
		_, _ = fmt.Fprintf(w, "labrecorder_writer_points_total{sink=%q} %d\n", st.Sink, st.Processed)

		_, _ = fmt.Fprintf(w, "# HELP labrecorder_writer_failures_total Points the sink rejected.\n")
		_, _ = fmt.Fprintf(w, "# TYPE labrecorder_writer_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "labrecorder_writer_failures_total{sink=%q} %d\n", st.Sink, st.Failed)
	}

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_queue_depth Points waiting for the writer.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_queue_depth gauge\n")
	_, _ = fmt.Fprintf(w, "labrecorder_queue_depth %d\n", rec.QueueDepth())

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_pullers_abandoned_total Pullers that did not exit after being killed.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_pullers_abandoned_total counter\n")
	_, _ = fmt.Fprintf(w, "labrecorder_pullers_abandoned_total %d\n", rec.Abandoned())

	s.writeSourceMetrics(w)
	s.writeJobMetrics(w)
}

func (s *Server) writeJobMetrics(w io.Writer) {
	jobs := s.rec.Jobs()
	s.mu.Lock()
	if s.jobs != nil {
		jobs = append(jobs, s.jobs.List()...)
	}
	s.mu.Unlock()
	if len(jobs) == 0 {
		return
	}

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_job_last_run_timestamp_seconds Last run of a scheduled job, 0 if it has not run.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_job_last_run_timestamp_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "# HELP labrecorder_job_next_run_timestamp_seconds Next scheduled run of a job.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_job_next_run_timestamp_seconds gauge\n")
	for _, j := range jobs {
		labels := fmt.Sprintf("job=%q,schedule=%q", j.Name, j.Schedule)
		_, _ = fmt.Fprintf(w, "labrecorder_job_last_run_timestamp_seconds{%s} %d\n", labels, unixSeconds(j.LastRun))
		_, _ = fmt.Fprintf(w, "labrecorder_job_next_run_timestamp_seconds{%s} %d\n", labels, unixSeconds(j.NextRun))
	}
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (s *Server) writeSourceMetrics(w io.Writer) {
	sources := s.rec.Sources()

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_sources Attached sources.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_sources gauge\n")
	_, _ = fmt.Fprintf(w, "labrecorder_sources %d\n", len(sources))
	if len(sources) == 0 {
		return
	}

	_, _ = fmt.Fprintf(w, "# HELP labrecorder_source_polls_total Poll cycles run.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_source_polls_total counter\n")
	_, _ = fmt.Fprintf(w, "# HELP labrecorder_source_points_total Points published.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_source_points_total counter\n")
	_, _ = fmt.Fprintf(w, "# HELP labrecorder_source_fetch_failures_total Failed poll cycles.\n")
	_, _ = fmt.Fprintf(w, "# TYPE labrecorder_source_fetch_failures_total counter\n")

	for _, info := range sources {
		labels := fmt.Sprintf("source=%q,measurement=%q", info.ID.String(), info.Config.Measurement)
		_, _ = fmt.Fprintf(w, "labrecorder_source_polls_total{%s} %d\n", labels, info.Stats.Polls)
		_, _ = fmt.Fprintf(w, "labrecorder_source_points_total{%s} %d\n", labels, info.Stats.Points)
		_, _ = fmt.Fprintf(w, "labrecorder_source_fetch_failures_total{%s} %d\n", labels, info.Stats.FetchFailures)
	}
}
