package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danielpatrickdp/evolution-engine/internal/config"
	"github.com/danielpatrickdp/evolution-engine/internal/destination"
	"github.com/danielpatrickdp/evolution-engine/internal/destination/gcs"
	"github.com/danielpatrickdp/evolution-engine/internal/destination/postgres"
	"github.com/danielpatrickdp/evolution-engine/internal/destination/s3"
)

// OpenDestinations builds every configured destination. On error, the ones
// already opened are closed.
func OpenDestinations(ctx context.Context, cfgs []config.Destination) ([]destination.Destination, error) {
	out := make([]destination.Destination, 0, len(cfgs))
	for i, c := range cfgs {
		d, err := openDestination(ctx, c)
		if err != nil {
			closeDestinations(out)
			return nil, fmt.Errorf("destinations[%d] (%s): %w", i, c.Type, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func openDestination(ctx context.Context, c config.Destination) (destination.Destination, error) {
	switch c.Type {
	case config.DestMemory:
		id := c.ID
		if id == "" {
			id = "memory"
		}
		return destination.NewMemory(id), nil
	case config.DestFS:
		id := c.ID
		if id == "" {
			id = "fs:" + c.Root
		}
		return destination.NewFS(id, c.Root)
	case config.DestS3:
		if c.S3 == nil {
			return nil, errors.New("s3 block missing")
		}
		sc := *c.S3
		if sc.ID == "" {
			sc.ID = c.ID
		}
		return s3.New(ctx, sc)
	case config.DestGCS:
		if c.GCS == nil {
			return nil, errors.New("gcs block missing")
		}
		gc := *c.GCS
		if gc.ID == "" {
			gc.ID = c.ID
		}
		return gcs.New(ctx, gc)
	case config.DestPostgres:
		if c.Postgres == nil {
			return nil, errors.New("postgres block missing")
		}
		pc := *c.Postgres
		if pc.ID == "" {
			pc.ID = c.ID
		}
		return postgres.New(ctx, pc)
	}
	return nil, fmt.Errorf("unknown destination type %q", c.Type)
}

func closeDestinations(ds []destination.Destination) error {
	var errs []error
	for _, d := range ds {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", d.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
