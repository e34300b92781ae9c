package nexus

import (
	"context"
	"fmt"
	"time"

	"github.com/raskyld/nexus/pkg/transport"
)

// resolve looks target up through the endpoint and waits for the result.
// The own address of the endpoint is retrieved directly when self is set.
func (em *endpointManager) resolve(ctx context.Context, target string, self bool) (transport.Addr, error) {
	if self {
		addr, err := em.class.SelfAddr()
		if err != nil {
			return nil, &StepError{Step: StepLookup, Target: target, Err: err}
		}
		return addr, nil
	}
	select {
	case <-em.failed:
		return nil, &StepError{Step: StepLookup, Target: target, Err: em.err}
	default:
	}
	if !em.running() {
		return nil, &StepError{Step: StepLookup, Target: target, Err: ErrEndpointStopped}
	}

	labels := withLabels(em.labels, LabelPeerAddr.M(target))
	start := time.Now()

	slot := make(chan transport.LookupInfo, 1)
	err := em.hctx.Lookup(target, func(info transport.LookupInfo) error {
		slot <- info
		return nil
	})
	if err != nil {
		em.msink.IncrCounterWithLabels(MetricLookupErrorCount, 1.0, labels)
		return nil, &StepError{Step: StepLookup, Target: target, Err: fmt.Errorf("post: %w", err)}
	}

	select {
	case info := <-slot:
		if info.Err != nil {
			em.msink.IncrCounterWithLabels(MetricLookupErrorCount, 1.0, labels)
			return nil, &StepError{Step: StepLookup, Target: target, Err: info.Err}
		}
		em.msink.IncrCounterWithLabels(MetricLookupCount, 1.0, labels)
		em.msink.AddSampleWithLabels(
			MetricLookupDurationMs,
			float32(time.Since(start).Seconds()*1000),
			labels,
		)
		em.logger.Debug("resolved peer", LabelPeerAddr.L(target))
		return info.Addr, nil
	case <-em.failed:
		return nil, &StepError{Step: StepLookup, Target: target, Err: em.err}
	case <-ctx.Done():
		return nil, &StepError{Step: StepLookup, Target: target, Err: ctx.Err()}
	}
}
