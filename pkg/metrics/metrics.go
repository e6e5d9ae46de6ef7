package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "news_site"

// Metrics 业务指标，nil 接收者上的方法都是空操作
type Metrics struct {
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	checkouts        *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec
	sweepRuns        *prometheus.CounterVec
}

// New registers all collectors on reg (the default registerer when nil).
// Collectors already registered by an earlier call are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}
	var err error

	if m.providerDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Latency of payment provider calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if m.providerErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_call_errors_total",
		Help:      "Failed payment provider call attempts.",
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if m.webhookEvents, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Provider webhook events by kind and outcome.",
	}, []string{"kind", "outcome"})); err != nil {
		return nil, err
	}
	if m.checkouts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkouts_total",
		Help:      "Checkout initiations by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.sweepTransitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_transitions_total",
		Help:      "Rows changed by scheduled sweeps.",
	}, []string{"job", "action"})); err != nil {
		return nil, err
	}
	if m.sweepRuns, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Scheduled sweep runs by result.",
	}, []string{"job", "result"})); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// ObserveProviderCall 记录一次支付服务调用
func (m *Metrics) ObserveProviderCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(op).Inc()
	}
}

// WebhookEvent 记录 webhook 处理结果
func (m *Metrics) WebhookEvent(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.webhookEvents.WithLabelValues(kind, outcome).Inc()
}

// Checkout 记录结账结果
func (m *Metrics) Checkout(result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
}

// SweepTransitions 记录一次清理任务改变的记录数
func (m *Metrics) SweepTransitions(job, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepTransitions.WithLabelValues(job, action).Add(float64(n))
}

// SweepRun 记录清理任务的执行结果
func (m *Metrics) SweepRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(job, result).Inc()
}
