//go:build !linux

package hostclock

import "context"

type stubProber struct{}

func newPlatformProber() (Prober, error) {
	return stubProber{}, nil
}

func (stubProber) Probe(ctx context.Context) (*State, error) {
	return nil, ErrUnsupported
}

func (stubProber) Close() error { return nil }
