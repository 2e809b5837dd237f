// Package batch discovers documents and drives them through a fixed pool
// of conversion workers.
package batch

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"

	"github.com/abiiranathan/ocrharvest/convert"
	"golang.org/x/sync/errgroup"
)

// Resolver reports whether a document needs no further work.
type Resolver interface {
	IsResolved(id string) bool
}

// Enumerate lists unresolved documents under root, smallest first.
// It only reads from resolver. Ties in size are ordered by path.
func Enumerate(ctx context.Context, root string, extensions []string, resolver Resolver) ([]convert.Job, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input directory: %s is not a directory", root)
	}

	exts := normalizeExtensions(extensions)
	if len(exts) == 0 {
		exts = []string{".pdf"}
	}

	found, err := walkDir(root, exts)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	// Resolution may stat the text store for every file, so fan it out.
	resolved := make([]bool, len(found))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, c := range found {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			resolved[i] = resolver != nil && resolver.IsResolved(c.path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	jobs := make([]convert.Job, 0, len(found))
	for i, c := range found {
		if !resolved[i] {
			jobs = append(jobs, convert.Job{Path: c.path, Size: c.size})
		}
	}

	slices.SortFunc(jobs, func(a, b convert.Job) int {
		if c := cmp.Compare(a.Size, b.Size); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return jobs, nil
}
