// Package telemetry exposes Prometheus metrics for queues and ERP calls.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/queue"
	"github.com/jdziat/projectsync/pkg/ratelimit"
)

const namespace = "projectsync"

var (
	once sync.Once

	JobsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_sent_total", Help: "Jobs enqueued",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_completed_total", Help: "Jobs completed successfully",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_failed_total", Help: "Jobs that failed",
	}, []string{"queue"})
	JobsCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_cancelled_total", Help: "Jobs cancelled before or while running",
	}, []string{"queue"})
	ERPRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "erp_request_duration_seconds", Help: "ERP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "job_duration_seconds", Help: "Handler run time of completed jobs",
		Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900},
	}, []string{"queue"})
	ScheduleFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "schedule_fires_total", Help: "Jobs enqueued by recurring schedules",
	}, []string{"queue"})
	JobsExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_expired_total", Help: "Active jobs that outlived their queue's expiry",
	}, []string{"queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "erp_rate_limit_rejects_total", Help: "ERP calls rejected by the rate limiter",
	})

	active = &activeCollector{
		desc: prometheus.NewDesc(namespace+"_jobs_active", "Jobs executing in this process", []string{"queue"}, nil),
	}
)

// activeCollector reads the running-job registry of every instrumented queue
// at scrape time.
type activeCollector struct {
	desc   *prometheus.Desc
	mu     sync.Mutex
	queues []*queue.Queue
}

func (c *activeCollector) add(q *queue.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.queues {
		if existing == q {
			return
		}
	}
	c.queues = append(c.queues, q)
}

func (c *activeCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *activeCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	queues := append([]*queue.Queue(nil), c.queues...)
	c.mu.Unlock()

	totals := make(map[string]int)
	for _, q := range queues {
		for name, n := range q.RunningByQueue() {
			totals[name] += n
		}
	}
	for name, n := range totals {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), name)
	}
}

// Register adds every metric to the default registry. It is safe to call
// more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSent,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobDuration,
			ScheduleFires,
			JobsExpired,
			ERPRequests,
			RateLimitRejects,
			active,
		)
	})
}

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Instrument counts the jobs of q by outcome and reports its running jobs.
func Instrument(q *queue.Queue) {
	q.OnJobSend(func(_ context.Context, job *core.Job) {
		JobsSent.WithLabelValues(job.Queue).Inc()
	})
	q.OnJobComplete(func(_ context.Context, job *core.Job) {
		JobsCompleted.WithLabelValues(job.Queue).Inc()
	})
	q.OnJobFail(func(_ context.Context, job *core.Job, _ error) {
		JobsFailed.WithLabelValues(job.Queue).Inc()
	})
	q.OnJobCancel(func(_ context.Context, name string, n int64) {
		JobsCancelled.WithLabelValues(name).Add(float64(n))
	})
	active.add(q)
}

// Watch records the events of q that have no hook until ctx is done.
func Watch(ctx context.Context, q *queue.Queue) {
	events := q.Events()
	defer q.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e := e.(type) {
			case *core.JobCompleted:
				JobDuration.WithLabelValues(e.Job.Queue).Observe(e.Duration.Seconds())
			case *core.ScheduleFired:
				ScheduleFires.WithLabelValues(e.Queue).Inc()
			case *core.JobsExpired:
				JobsExpired.WithLabelValues(e.Queue).Add(float64(e.Count))
			}
		}
	}
}

// ObserveERP records one ERP request. A status of 0 means no response.
// It matches erp.Observer.
func ObserveERP(operation string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	ERPRequests.WithLabelValues(operation, label).Observe(d.Seconds())
}

// Limiter is satisfied by ratelimit.TokenBucket.
type Limiter interface {
	Take(ctx context.Context) error
}

type countingLimiter struct{ Limiter }

func (c countingLimiter) Take(ctx context.Context) error {
	err := c.Limiter.Take(ctx)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		RateLimitRejects.Inc()
	}
	return err
}

// CountRejects wraps l so rejected calls are counted.
func CountRejects(l Limiter) Limiter {
	return countingLimiter{Limiter: l}
}
