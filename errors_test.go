package nexus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/raskyld/nexus/pkg/collective"
	"github.com/stretchr/testify/require"
)

func TestStepError(t *testing.T) {
	own := &StepError{Step: StepLookup, Target: "sm://12/0", Err: ErrEndpointStopped}
	require.Same(t, own, stepError(StepExchange, own), "already attributed")
	require.Equal(t, "nexus: lookup sm://12/0: "+ErrEndpointStopped.Error(), own.Error())
	require.NoError(t, stepError(StepExchange, nil))

	// The failure of a peer travels inside the abort of the job, it is
	// not the step this process failed at.
	peer := &StepError{Step: StepEndpointInit, Err: errors.New("address in use")}
	aborted := fmt.Errorf("%w: %w", collective.ErrAborted, peer)

	err := stepError(StepExchange, aborted)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepExchange, stepErr.Step)
	require.ErrorIs(t, err, collective.ErrAborted)
	require.Equal(t, "nexus: exchange: "+aborted.Error(), err.Error())
}
