package outbox

import (
	"context"
	"errors"
)

// Sink is anything that can persist a record.
type Sink interface {
	Record(ctx context.Context, kind string, payload any) error
}

// Fanout writes each record to every sink. A failing sink does not stop the others.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, kind string, payload any) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
