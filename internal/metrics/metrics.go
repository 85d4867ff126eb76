// ============================================================================
// sjs Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程守護程式的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - sjs_jobs_submitted_total: 接受的 submit_job 數
//      - sjs_jobs_launched_total: 成功啟動的子程序數
//      - sjs_job_launch_failures_total: 啟動失敗數
//      - sjs_jobs_reaped_total: 回收的子程序數
//      - sjs_jobs_cancelled_total: 從佇列取消的任務數
//      - sjs_requests_total{type,code}: 各類請求與回應碼
//
//   2. 執行時間 (Histogram)：
//      - sjs_job_duration_seconds: 從啟動到回收的時間
//
//   3. 狀態指標 (Gauge)：
//      - sjs_jobs_running / sjs_jobs_queued / sjs_hooks_running
//      - sjs_max_jobs_running: 目前的並發上限
//
// Prometheus 查詢示例:
//
//   # 剩餘容量（多主機客戶端的挑選依據）
//   sjs_max_jobs_running - sjs_jobs_running
//
//   # 啟動失敗率
//   rate(sjs_job_launch_failures_total[5m]) / rate(sjs_jobs_launched_total[5m])
//
// 使用方式:
//   所有方法都接受 nil receiver，未啟用 metrics 時直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	gatherer prometheus.Gatherer

	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	jobsLaunched   prometheus.Counter
	launchFailures prometheus.Counter
	jobsReaped     prometheus.Counter
	jobsCancelled  prometheus.Counter
	requests       *prometheus.CounterVec

	// 效能指標
	jobDuration prometheus.Histogram

	// 狀態指標
	jobsRunning  prometheus.Gauge
	jobsQueued   prometheus.Gauge
	hooksRunning prometheus.Gauge
	maxJobs      prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	c := &Collector{
		gatherer: gatherer,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sjs_jobs_submitted_total",
			Help: "Total number of jobs accepted by submit_job",
		}),
		jobsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sjs_jobs_launched_total",
			Help: "Total number of jobs started as child processes",
		}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sjs_job_launch_failures_total",
			Help: "Total number of jobs that could not be started",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sjs_jobs_reaped_total",
			Help: "Total number of exited child processes released from the running set",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sjs_jobs_cancelled_total",
			Help: "Total number of pending jobs removed by cancel",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sjs_requests_total",
			Help: "Requests handled by the dispatcher, by type and response code",
		}, []string{"type", "code"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sjs_job_duration_seconds",
			Help:    "Time from launch to reap in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sjs_jobs_running",
			Help: "Current number of running jobs",
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sjs_jobs_queued",
			Help: "Current number of pending jobs",
		}),
		hooksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sjs_hooks_running",
			Help: "Current number of slots held by pre-hooks",
		}),
		maxJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sjs_max_jobs_running",
			Help: "Current concurrency limit",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsLaunched,
		c.launchFailures,
		c.jobsReaped,
		c.jobsCancelled,
		c.requests,
		c.jobDuration,
		c.jobsRunning,
		c.jobsQueued,
		c.hooksRunning,
		c.maxJobs,
	)

	return c
}

// RecordSubmit 記錄任務加入佇列
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordLaunch 記錄子程序啟動
func (c *Collector) RecordLaunch() {
	if c == nil {
		return
	}
	c.jobsLaunched.Inc()
}

// RecordLaunchFailure 記錄啟動失敗
func (c *Collector) RecordLaunchFailure() {
	if c == nil {
		return
	}
	c.launchFailures.Inc()
}

// RecordReaped 記錄子程序回收與執行時間
func (c *Collector) RecordReaped(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsReaped.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled 記錄取消數量
func (c *Collector) RecordCancelled(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsCancelled.Add(float64(n))
}

// RecordRequest 記錄一次請求處理結果
func (c *Collector) RecordRequest(reqType string, code int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(reqType, strconv.Itoa(code)).Inc()
}

// UpdateState 更新瞬時狀態
func (c *Collector) UpdateState(running, queued, hooks, maxJobs int) {
	if c == nil {
		return
	}
	c.jobsRunning.Set(float64(running))
	c.jobsQueued.Set(float64(queued))
	c.hooksRunning.Set(float64(hooks))
	c.maxJobs.Set(float64(maxJobs))
}

// Handler 返回 /metrics 端點的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
