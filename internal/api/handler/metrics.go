package handler

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"go-accurate-puller/internal/model"
)

// Metrics renders the running job, or else the newest finished one, in the
// Prometheus text format. It is served outside /api/v1.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	var rep *model.JobReport
	if h.live != nil {
		if live, ok := h.live(); ok {
			rep = &live
		}
	}
	if rep == nil {
		jobs, err := h.jobs.ListJobs(r.Context())
		if err != nil {
			h.fail(w, err, "fetch jobs")
			return
		}
		for _, j := range jobs {
			if stored, err := h.jobs.GetReport(r.Context(), j.ID); err == nil {
				rep = stored
				break
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if rep == nil {
		fmt.Fprintf(w, "# no job report yet\n")
		return
	}
	writeMetrics(w, *rep)
}

var jobStatuses = []model.JobStatus{
	model.StatusRunning, model.StatusCompleted, model.StatusCompletedWithSkips,
	model.StatusAborted, model.StatusFailed,
}

func writeMetrics(w io.Writer, rep model.JobReport) {
	fmt.Fprintf(w, "# HELP puller_job_status Status of the reported job\n# TYPE puller_job_status gauge\n")
	for _, s := range jobStatuses {
		v := 0
		if rep.Status == s {
			v = 1
		}
		fmt.Fprintf(w, "puller_job_status{job_id=%q,status=%q} %d\n", rep.JobID, s, v)
	}
	fmt.Fprintf(w, "# HELP puller_job_records Records committed by the job\n# TYPE puller_job_records gauge\npuller_job_records{job_id=%q} %d\n", rep.JobID, rep.Records)
	fmt.Fprintf(w, "# HELP puller_job_duration_seconds Wall time of the job\n# TYPE puller_job_duration_seconds gauge\npuller_job_duration_seconds{job_id=%q} %f\n", rep.JobID, rep.Duration.Seconds())

	names := make([]string, 0, len(rep.Endpoints))
	for name := range rep.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "# HELP puller_endpoint_records Records committed per endpoint\n# TYPE puller_endpoint_records gauge\n")
	for _, n := range names {
		fmt.Fprintf(w, "puller_endpoint_records{endpoint=%q} %d\n", n, rep.Endpoints[n].Records)
	}
	fmt.Fprintf(w, "# HELP puller_endpoint_pages Pages committed per endpoint in this run\n# TYPE puller_endpoint_pages gauge\n")
	for _, n := range names {
		fmt.Fprintf(w, "puller_endpoint_pages{endpoint=%q} %d\n", n, rep.Endpoints[n].Pages)
	}
	fmt.Fprintf(w, "# HELP puller_http_requests_total Requests by endpoint and result\n# TYPE puller_http_requests_total counter\n")
	for _, n := range names {
		s := rep.Endpoints[n].Stats
		fmt.Fprintf(w, "puller_http_requests_total{endpoint=%q,result=\"ok\"} %d\n", n, s.SuccessfulRequests)
		fmt.Fprintf(w, "puller_http_requests_total{endpoint=%q,result=\"error\"} %d\n", n, s.FailedRequests)
		fmt.Fprintf(w, "puller_http_requests_total{endpoint=%q,result=\"rate_limited\"} %d\n", n, s.RateLimitHits)
	}
	fmt.Fprintf(w, "# HELP puller_skipped_lookups_total Detail or fan-out lookups skipped\n# TYPE puller_skipped_lookups_total counter\n")
	for _, n := range names {
		fmt.Fprintf(w, "puller_skipped_lookups_total{endpoint=%q} %d\n", n, rep.Endpoints[n].SkippedLookups)
	}

	rules := make([]string, 0, len(rep.Tiers))
	for rule := range rep.Tiers {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	fmt.Fprintf(w, "# HELP puller_fallback_tier_records Records resolved per fallback tier\n# TYPE puller_fallback_tier_records gauge\n")
	for _, rule := range rules {
		tiers := make([]string, 0, len(rep.Tiers[rule]))
		for t := range rep.Tiers[rule] {
			tiers = append(tiers, t)
		}
		sort.Strings(tiers)
		for _, t := range tiers {
			fmt.Fprintf(w, "puller_fallback_tier_records{rule=%q,tier=%q} %d\n", rule, t, rep.Tiers[rule][t])
		}
	}
}
