package prometheus

import (
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Observer implements the wave scheduler's metrics hook.
type Observer struct{}

func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) DetectorFinished(name string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	DetectorLatency.WithLabelValues(name, outcome).
		Observe(float64(elapsed.Milliseconds()))
}

func (o *Observer) WaveExecuted(wave, detectors int) {
	WaveSize.WithLabelValues(strconv.Itoa(wave)).Observe(float64(detectors))
}

func (o *Observer) RequestFinished(ev *types.AggregatedEvidence) {
	RequestTotal.WithLabelValues(string(ev.RiskBand), string(ev.PolicyAction)).Inc()
	PipelineLatency.WithLabelValues(strconv.FormatBool(ev.EarlyExit)).
		Observe(float64(ev.ProcessingTime.Milliseconds()))
	WavesExecuted.Observe(float64(ev.WavesExecuted))
}

// BreakerHook adapts breaker state transitions onto the transition counter.
func BreakerHook(name string, from, to gobreaker.State) {
	BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}
