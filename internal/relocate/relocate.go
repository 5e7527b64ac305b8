// Package relocate moves a granule's files to the buckets chosen by
// destination rules and keeps both stores pointing at the new locations.
package relocate

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cumulusdata/cumulus/internal/catalog"
	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/objectstore"
)

const defaultConcurrency = 5

// Destination sends files whose name matches Regex to Bucket, under
// Filepath when set.
type Destination struct {
	Regex    string `json:"regex"`
	Bucket   string `json:"bucket"`
	Filepath string `json:"filepath,omitempty"`
}

// Granules is the part of the coordinator relocation depends on.
type Granules interface {
	LoadGranule(ctx context.Context, collectionID, granuleID string) (cumulus.Granule, bool, error)
	MoveFileRecord(ctx context.Context, from, to cumulus.File) error
	MirrorGranule(ctx context.Context, g cumulus.Granule, documentOnly bool) dualwrite.WriteResult[cumulus.Granule]
}

type Options struct {
	// Concurrency bounds the files moved at once. Defaults to 5.
	Concurrency int
	Catalog     catalog.Reconciler
}

type Engine struct {
	granules    Granules
	objects     objectstore.Store
	catalog     catalog.Reconciler
	concurrency int
	logger      zerolog.Logger
}

func NewEngine(granules Granules, objects objectstore.Store, opts Options) *Engine {
	e := &Engine{
		granules:    granules,
		objects:     objects,
		catalog:     opts.Catalog,
		concurrency: opts.Concurrency,
		logger:      zerolog.Nop(),
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.catalog == nil {
		e.catalog = catalog.Nop{}
	}
	return e
}

func (e *Engine) SetLogger(logger zerolog.Logger) {
	e.logger = logger
}

// Result is the granule after relocation.
type Result struct {
	Granule      cumulus.Granule `json:"granule"`
	Moved        []cumulus.File  `json:"moved"`
	DocumentOnly bool            `json:"documentOnly,omitempty"`
	// Degraded is set when a mirror write or the catalog update failed.
	Degraded   bool  `json:"degraded,omitempty"`
	CatalogErr error `json:"-"`
}

type compiledDestination struct {
	re *regexp.Regexp
	Destination
}

func compile(destinations []Destination) ([]compiledDestination, error) {
	out := make([]compiledDestination, 0, len(destinations))
	for _, d := range destinations {
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: destination regex %q: %v", cumulus.ErrInvalidInput, d.Regex, err)
		}
		if d.Bucket == "" {
			return nil, fmt.Errorf("%w: destination %q has no bucket", cumulus.ErrInvalidInput, d.Regex)
		}
		out = append(out, compiledDestination{re: re, Destination: d})
	}
	return out, nil
}

// target returns the new location of f under the first matching
// destination.
func target(destinations []compiledDestination, f cumulus.File) (cumulus.File, bool) {
	name := f.Name()
	for _, d := range destinations {
		if !d.re.MatchString(name) {
			continue
		}
		moved := f
		moved.Bucket = d.Bucket
		moved.Key = name
		if fp := strings.Trim(d.Filepath, "/"); fp != "" {
			moved.Key = path.Join(fp, name)
		}
		moved.FileName = name
		return moved, true
	}
	return cumulus.File{}, false
}

// Move relocates the granule's files. Every matched file is attempted; the
// granule's file list is then written once with the best known locations.
// When any file failed, the returned error is a *cumulus.PartialRelocationError
// and the returned Result still describes the persisted state.
func (e *Engine) Move(ctx context.Context, collectionID, granuleID string, destinations []Destination) (Result, error) {
	compiled, err := compile(destinations)
	if err != nil {
		return Result{}, err
	}
	g, documentOnly, err := e.granules.LoadGranule(ctx, collectionID, granuleID)
	if err != nil {
		return Result{}, err
	}

	files := append([]cumulus.File(nil), g.Files...)
	var (
		mu       sync.Mutex
		failures []cumulus.FileMoveFailure
		moved    []cumulus.File
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for i, f := range files {
		i, f := i, f
		to, ok := target(compiled, f)
		if !ok || (to.Bucket == f.Bucket && to.Key == f.Key) {
			continue
		}
		group.Go(func() error {
			if err := e.moveFile(gctx, f, to, documentOnly); err != nil {
				mu.Lock()
				failures = append(failures, cumulus.FileMoveFailure{
					Move: cumulus.FileMove{
						SourceBucket: f.Bucket, SourceKey: f.Key,
						TargetBucket: to.Bucket, TargetKey: to.Key,
						FileName: to.FileName,
					},
					Reason: err.Error(),
					Err:    err,
				})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			files[i] = to
			moved = append(moved, to)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	g.Files = files
	mirrored := e.granules.MirrorGranule(ctx, g, documentOnly)
	res := Result{Granule: mirrored.Record, Moved: moved, DocumentOnly: documentOnly, Degraded: mirrored.Degraded}

	if len(moved) > 0 {
		if err := e.catalog.ReconcileFiles(ctx, res.Granule, moved); err != nil {
			e.logger.Warn().Err(err).Str("granule_id", granuleID).Msg("catalog reconciliation failed")
			res.Degraded = true
			res.CatalogErr = err
		}
	}
	if len(failures) > 0 {
		return res, &cumulus.PartialRelocationError{GranuleID: granuleID, Failures: failures}
	}
	return res, nil
}

// moveFile copies the object, repoints the file row and then removes the
// source. A granule without relational rows skips the row update.
func (e *Engine) moveFile(ctx context.Context, from, to cumulus.File, documentOnly bool) error {
	if err := e.objects.Copy(ctx, from.Bucket, from.Key, to.Bucket, to.Key); err != nil {
		return err
	}
	if !documentOnly {
		if err := e.granules.MoveFileRecord(ctx, from, to); err != nil {
			if cleanupErr := e.objects.Delete(context.WithoutCancel(ctx), to.Bucket, to.Key); cleanupErr != nil {
				e.logger.Warn().Err(cleanupErr).Str("target", to.S3URL()).Msg("remove copied object after failed record update")
			}
			return err
		}
	}
	if err := e.objects.Delete(ctx, from.Bucket, from.Key); err != nil {
		e.logger.Warn().Err(err).Str("source", from.S3URL()).Msg("source object left behind after move")
	}
	return nil
}
