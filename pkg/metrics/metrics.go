// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"go.uber.org/zap"
)

const (
	ModuleProxy = "sqlmux"
)

// metrics labels.
const (
	LabelServer    = "server"
	LabelWorker    = "worker"
	LabelPool      = "pool"
	LabelAdmission = "admission"
	LabelBalance   = "balance"
	LabelQC        = "qc"
	LabelMonitor   = "monitor"
)

var registerOnce sync.Once

// MetricsManager manages metrics.
type MetricsManager struct {
	wg     waitgroup.WaitGroup
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewMetricsManager creates a MetricsManager.
func NewMetricsManager() *MetricsManager {
	return &MetricsManager{}
}

// Init registers metrics and starts the background monitor.
func (mm *MetricsManager) Init(ctx context.Context, logger *zap.Logger) {
	mm.logger = logger
	registerOnce.Do(registerProxyMetrics)
	ctx, mm.cancel = context.WithCancel(ctx)
	mm.setupMonitor(ctx)
}

// Close stops the background monitor.
func (mm *MetricsManager) Close() {
	if mm.cancel != nil {
		mm.cancel()
	}
	mm.wg.Wait()
}

func (mm *MetricsManager) setupMonitor(ctx context.Context) {
	// Enable the mutex profile, 1/10 of mutex blocking event sampling.
	runtime.SetMutexProfileFraction(10)
	MaxProcsGauge.Set(float64(runtime.GOMAXPROCS(0)))
	aliveTicks := 0
	mm.wg.RunWithRecover(func() {
		monitorSystemTime(ctx, mm.logger, time.Now, func() {
			TimeJumpBackCounter.Inc()
		}, func() {
			aliveTicks++
			if aliveTicks >= aliveSeconds {
				aliveTicks = 0
				AliveCounter.Inc()
			}
		})
	}, nil, mm.logger)
}

func registerProxyMetrics() {
	prometheus.DefaultRegisterer.Unregister(collectors.NewGoCollector())
	prometheus.MustRegister(collectors.NewGoCollector(collectors.WithGoCollections(collectors.GoRuntimeMetricsCollection | collectors.GoRuntimeMemStatsCollection)))

	prometheus.MustRegister(ConnGauge)
	prometheus.MustRegister(MaxProcsGauge)
	prometheus.MustRegister(ServerEventCounter)
	prometheus.MustRegister(ServerErrCounter)
	prometheus.MustRegister(TimeJumpBackCounter)
	prometheus.MustRegister(AliveCounter)
	prometheus.MustRegister(WorkerSessionsGauge)
	prometheus.MustRegister(WorkerZombiesGauge)
	prometheus.MustRegister(WorkerLoadGauge)
	prometheus.MustRegister(WorkerStateGauge)
	prometheus.MustRegister(PoolGetCounter)
	prometheus.MustRegister(PoolSizeGauge)
	prometheus.MustRegister(ConnLimitCounter)
	prometheus.MustRegister(WaitTimeoutCounter)
	prometheus.MustRegister(WaitingEndpointsGauge)
	prometheus.MustRegister(MigrateCounter)
	prometheus.MustRegister(MigrateDurationHistogram)
	prometheus.MustRegister(QCLookupCounter)
	prometheus.MustRegister(QCEvictionCounter)
	prometheus.MustRegister(TargetStatusGauge)
	prometheus.MustRegister(TargetConnGauge)
	prometheus.MustRegister(HealthCheckDurationHistogram)
	prometheus.MustRegister(StatementCounter)
	prometheus.MustRegister(SessionDurationHistogram)
}

// DelServer deletes all metrics labelled with the server name.
func DelServer(name string) {
	delLabelValues(PoolGetCounter, LblServer, name)
	delLabelValues(PoolSizeGauge, LblServer, name)
	delLabelValues(ConnLimitCounter, LblServer, name)
	delLabelValues(WaitTimeoutCounter, LblServer, name)
	delLabelValues(TargetStatusGauge, LblServer, name)
	delLabelValues(TargetConnGauge, LblServer, name)
	delLabelValues(HealthCheckDurationHistogram, LblServer, name)
}

type deletable interface {
	DeletePartialMatch(labels prometheus.Labels) int
}

func delLabelValues(vec deletable, label, value string) {
	vec.DeletePartialMatch(prometheus.Labels{label: value})
}

// ReadCounter reads the value from the counter. It is only used for testing.
func ReadCounter(counter prometheus.Counter) (int, error) {
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		return 0, err
	}
	return int(metric.Counter.GetValue()), nil
}

// ReadGauge reads the value from the gauge. It is only used for testing.
func ReadGauge(gauge prometheus.Gauge) (float64, error) {
	var metric dto.Metric
	if err := gauge.Write(&metric); err != nil {
		return 0, err
	}
	return metric.Gauge.GetValue(), nil
}

// Collect gathers all the metrics of a collector.
func Collect(coll prometheus.Collector) ([]*dto.Metric, error) {
	results := make([]*dto.Metric, 0)
	ch := make(chan prometheus.Metric)
	go func() {
		coll.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		var metric dto.Metric
		if err := m.Write(&metric); err != nil {
			for range ch {
			}
			return nil, err
		}
		results = append(results, &metric)
	}
	return results, nil
}
