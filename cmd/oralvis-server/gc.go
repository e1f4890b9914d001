package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oralvis/oralvis/internal/platform/blobstore"
)

type gcOptions struct {
	DryRun bool
	// MinAge protects blobs written by uploads that have not committed
	// their submission yet.
	MinAge time.Duration
	Now    time.Time
}

type gcResult struct {
	Orphans []string
	Kept    int
	Recent  int
}

// collectGarbage deletes every image and report blob that refs does not
// name. Orphans are returned sorted; in dry-run mode nothing is deleted.
func collectGarbage(ctx context.Context, store blobstore.Store, refs map[string]bool, opts gcOptions) (*gcResult, error) {
	res := &gcResult{}
	cutoff := opts.Now.Add(-opts.MinAge)

	for _, kind := range []blobstore.Kind{blobstore.KindImage, blobstore.KindReport} {
		blobs, err := store.List(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list %s blobs: %w", kind, err)
		}
		for _, b := range blobs {
			switch {
			case refs[b.Name]:
				res.Kept++
			case opts.MinAge > 0 && b.ModTime.After(cutoff):
				res.Recent++
			default:
				res.Orphans = append(res.Orphans, b.Name)
			}
		}
	}
	sort.Strings(res.Orphans)

	if opts.DryRun {
		return res, nil
	}
	for _, name := range res.Orphans {
		if _, err := store.Delete(ctx, name); err != nil {
			return res, fmt.Errorf("delete blob %s: %w", name, err)
		}
	}
	return res, nil
}
