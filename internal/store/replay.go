package store

import (
	"context"
	"errors"
)

// ResolveReplaySource looks up id in the live jobs table first, falling
// back to jobs_archive so replay works for jobs that have already been
// archived.
func ResolveReplaySource(ctx context.Context, jobs *Jobs, archive *Archive, id string) (*Job, error) {
	job, err := jobs.GetByID(ctx, id)
	if err == nil {
		return job, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}
	return archive.GetArchived(ctx, id)
}
