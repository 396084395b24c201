package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nugget/proxwatch/internal/proximity"
)

// Sources combines several sighting sources into one. Subscribing opens
// every source in order; if any fails, the ones already opened are
// closed again. Closing the combined subscription closes all of them
// and joins their errors. A single source is returned unchanged.
func Sources(srcs ...SightingSource) SightingSource {
	if len(srcs) == 1 {
		return srcs[0]
	}
	return multiSource(srcs)
}

type multiSource []SightingSource

func (m multiSource) Subscribe(ctx context.Context, onSighting func(proximity.Sighting), onFailure func(int)) (io.Closer, error) {
	if len(m) == 0 {
		return nil, errors.New("no sighting sources configured")
	}
	subs := make(closers, 0, len(m))
	for i, src := range m {
		sub, err := src.Subscribe(ctx, onSighting, onFailure)
		if err != nil {
			_ = subs.Close()
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Controls combines several stop controls into one. A single control is
// returned unchanged; with none, Controls returns nil.
func Controls(ctrls ...StopControl) StopControl {
	switch len(ctrls) {
	case 0:
		return nil
	case 1:
		return ctrls[0]
	}
	return multiControl(ctrls)
}

type multiControl []StopControl

func (m multiControl) Listen(handler func(string)) (io.Closer, error) {
	regs := make(closers, 0, len(m))
	for i, c := range m {
		reg, err := c.Listen(handler)
		if err != nil {
			_ = regs.Close()
			return nil, fmt.Errorf("control %d: %w", i, err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// closers closes its members in reverse order.
type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
