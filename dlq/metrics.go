package dlq

import (
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

const (
	// MetricSendTotal 写入次数 (Counter)
	MetricSendTotal = "dlq.send.total"
	// MetricSendErrors 写入失败次数 (Counter)
	MetricSendErrors = "dlq.send.errors"
	// MetricSendDuration 写入耗时 (Histogram)
	MetricSendDuration = "dlq.send.duration"
	// MetricProcessorMessages Processor 处理结果 (Counter)
	MetricProcessorMessages = "dlq.processor.messages"
	// MetricProcessorFailures Processor 吞掉的内部错误 (Counter)
	MetricProcessorFailures = "dlq.processor.failures"
	// MetricReporterFailures Reporter 吞掉的内部错误 (Counter)
	MetricReporterFailures = "dlq.reporter.failures"
	// MetricMessagesTotal 当前死信数量 (Gauge)
	MetricMessagesTotal = "dlq.messages.total"
	// MetricRequeueRate 重投率百分比 (Gauge)
	MetricRequeueRate = "dlq.requeue.rate"
	// MetricErrorRate 错误率百分比 (Gauge)
	MetricErrorRate = "dlq.error.rate"
	// MetricMaintenanceRuns 维护任务执行次数 (Counter)
	MetricMaintenanceRuns = "dlq.maintenance.runs"

	LabelTopic     = "topic"
	LabelBackend   = "backend"
	LabelOutcome   = "outcome"
	LabelErrorCode = "error_code"
	LabelTask      = "task"

	OutcomeRetried   = "retried"
	OutcomeParked    = "parked"
	OutcomeDuplicate = "duplicate"
	OutcomeDropped   = "dropped"
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
)

type sendInstruments struct {
	total    metrics.Counter
	errors   metrics.Counter
	duration metrics.Histogram
}

func newSendInstruments(m metrics.Meter) (*sendInstruments, error) {
	var (
		ins sendInstruments
		err error
	)
	if ins.total, err = m.Counter(MetricSendTotal, "Dead letter send attempts"); err != nil {
		return nil, xerrors.Wrap(err, "create send counter")
	}
	if ins.errors, err = m.Counter(MetricSendErrors, "Dead letter send failures"); err != nil {
		return nil, xerrors.Wrap(err, "create send error counter")
	}
	if ins.duration, err = m.Histogram(MetricSendDuration, "Dead letter send duration", metrics.WithUnit("s")); err != nil {
		return nil, xerrors.Wrap(err, "create send duration histogram")
	}
	return &ins, nil
}
