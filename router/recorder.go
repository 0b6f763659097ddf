package router

import "time"

// Recorder observes routing outcomes. metrics.Collector implements it.
// Implementations must be safe for concurrent use.
type Recorder interface {
	WithdrawalRouted(topic string)
	WithdrawalRejected()
	WithdrawalFailed(stage string)
	AMLChecked(d time.Duration)
	CheckResultObserved()
}

// Failure stages reported to Recorder.WithdrawalFailed.
const (
	StageAML     = "aml"
	StagePublish = "publish"
)

type nopRecorder struct{}

func (nopRecorder) WithdrawalRouted(string)  {}
func (nopRecorder) WithdrawalRejected()      {}
func (nopRecorder) WithdrawalFailed(string)  {}
func (nopRecorder) AMLChecked(time.Duration) {}
func (nopRecorder) CheckResultObserved()     {}
