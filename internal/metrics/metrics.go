// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リモートクライアント、同期処理、Webhookディスパッチャから利用する。
type MetricsCollector interface {
	RecordRemoteCall(operation, outcome string, duration time.Duration)
	RecordWebhook(outcome string)
	RecordCredentialRegistered()
	RecordPersistFailure()
	RecordFanOut(operation string, succeeded, failed int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteCalls      *prometheus.CounterVec
	remoteLatency    *prometheus.HistogramVec
	webhookEvents    *prometheus.CounterVec
	credentials      prometheus.Counter
	persistFailures  prometheus.Counter
	fanOutOperations *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardsync_remote_calls_total",
			Help: "リモートカードAPI呼び出しの合計数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardsync_remote_call_latency_seconds",
			Help:    "リモートカードAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardsync_webhook_events_total",
			Help: "受信したWebhook通知の合計数（処理結果別）",
		}, []string{"outcome"}),
		credentials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardsync_credentials_registered_total",
			Help: "登録されたクレデンシャルの合計数",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardsync_credential_persist_failures_total",
			Help: "クレデンシャルの永続化に失敗した回数",
		}),
		fanOutOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardsync_fanout_operations_total",
			Help: "ファンアウト処理でのユーザー単位の処理数（操作・結果別）",
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		c.remoteCalls,
		c.remoteLatency,
		c.webhookEvents,
		c.credentials,
		c.persistFailures,
		c.fanOutOperations,
	)

	return c
}

// RecordRemoteCall はリモートAPI呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordRemoteCall(operation, outcome string, duration time.Duration) {
	c.remoteCalls.WithLabelValues(operation, outcome).Inc()
	c.remoteLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWebhook はWebhook通知の処理結果を記録する。
func (c *Collector) RecordWebhook(outcome string) {
	c.webhookEvents.WithLabelValues(outcome).Inc()
}

// RecordCredentialRegistered はクレデンシャル登録を記録する。
func (c *Collector) RecordCredentialRegistered() {
	c.credentials.Inc()
}

// RecordPersistFailure はクレデンシャル永続化の失敗を記録する。
func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Inc()
}

// RecordFanOut はファンアウト処理の成功数と失敗数を記録する。
func (c *Collector) RecordFanOut(operation string, succeeded, failed int) {
	c.fanOutOperations.WithLabelValues(operation, "success").Add(float64(succeeded))
	c.fanOutOperations.WithLabelValues(operation, "failure").Add(float64(failed))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordRemoteCall(string, string, time.Duration) {}
func (Nop) RecordWebhook(string)                           {}
func (Nop) RecordCredentialRegistered()                    {}
func (Nop) RecordPersistFailure()                          {}
func (Nop) RecordFanOut(string, int, int)                  {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
