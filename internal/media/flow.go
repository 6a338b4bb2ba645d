package media

import (
	"time"

	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/metrics"
)

// flow tracks one trim or merge request through RECEIVED .. COMMITTED | REJECTED
type flow struct {
	operation domain.Operation
	state     domain.FlowState
	started   time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func (s *Service) startFlow(op domain.Operation, fields ...zap.Field) *flow {
	s.metrics.IncrementJobsActive()
	return &flow{
		operation: op,
		state:     domain.FlowReceived,
		started:   time.Now(),
		logger:    s.logger.With(append(fields, zap.String("operation", string(op)))...),
		metrics:   s.metrics,
	}
}

func (f *flow) advance(to domain.FlowState) {
	if !domain.CanAdvance(f.state, to) {
		f.logger.Error("illegal flow transition",
			zap.String("from", string(f.state)),
			zap.String("to", string(to)),
		)
		return
	}
	f.logger.Debug("flow advanced", zap.String("state", string(to)))
	f.state = to
}

// finish moves the flow to its terminal state based on err
func (f *flow) finish(err error) {
	if err != nil {
		f.advance(domain.FlowRejected)
	} else {
		f.advance(domain.FlowCommitted)
	}

	f.metrics.DecrementJobsActive()
	f.metrics.IncrementJobsTotal(string(f.operation), string(f.state))

	elapsed := time.Since(f.started)
	if err != nil {
		f.logger.Warn("media flow rejected",
			zap.String("code", string(domain.CodeOf(err))),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	f.logger.Info("media flow committed", zap.Duration("elapsed", elapsed))
}
