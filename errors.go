package nexus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg       = errors.New("nexus: invalid options")
	ErrClosed           = errors.New("nexus: already destroyed")
	ErrMalformedRecord  = errors.New("nexus: malformed identity record")
	ErrUnknownRank      = errors.New("nexus: rank is not part of this map")
	ErrDuplicateRank    = errors.New("nexus: rank resolved twice")
	ErrProgress         = errors.New("nexus: progress loop failed")
	ErrEndpointStopped  = errors.New("nexus: endpoint progress already stopped")
	ErrInvalidPortRange = errors.New("negotiator: invalid port range")
	ErrNoInterface      = errors.New("negotiator: no IPv4 interface in subnet")
	ErrNoFreePort       = errors.New("negotiator: no free port")
)

// Bootstrap steps reported by StepError.
const (
	StepPartition    = "partition"
	StepInterface    = "interface discovery"
	StepPortScan     = "port scan"
	StepEndpointInit = "endpoint init"
	StepLookup       = "lookup"
	StepExchange     = "exchange"
)

// StepError is returned by Bootstrap and names the step which failed.
type StepError struct {
	Step string
	// Target is the address being looked up, for StepLookup only.
	Target string
	Err    error
}

func (e *StepError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("nexus: %s %s: %s", e.Step, e.Target, e.Err)
	}
	return fmt.Sprintf("nexus: %s: %s", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(step string, err error) error {
	if err == nil {
		return nil
	}
	// A StepError deeper in the chain belongs to another process, for
	// example the peer whose failure aborted the job.
	if _, ok := err.(*StepError); ok {
		return err
	}
	return &StepError{Step: step, Err: err}
}
