// pkg/runner/runner.go - drives the packaging and upload passes over a selection

package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/graph"
	"github.com/windowsadmins/autopackager/pkg/ledger"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/pipeline"
	"github.com/windowsadmins/autopackager/pkg/reconcile"
	"github.com/windowsadmins/autopackager/pkg/reporting"
	"github.com/windowsadmins/autopackager/pkg/utils"
)

// ErrAuth aborts the upload pass when the session cannot be re-established.
var ErrAuth = errors.New("unrecoverable authentication failure")

// Packager runs acquisition and packaging for one application.
type Packager interface {
	Run(ctx context.Context, desc catalog.Descriptor) pipeline.Outcome
}

// Reconciler publishes one archive.
type Reconciler interface {
	Reconcile(ctx context.Context, desc catalog.Descriptor, archive, candidate string, opts reconcile.Options) reconcile.Outcome
}

// Session is re-validated before every reconciliation.
type Session interface {
	EnsureSession(ctx context.Context) error
}

// Runner composes the pipeline and the reconciler.
type Runner struct {
	Repo       string
	Pipeline   Packager
	Reconciler Reconciler
	Session    Session
}

// Package runs the packaging pass.
func (r *Runner) Package(ctx context.Context, apps []catalog.Descriptor) *reporting.Summary {
	sum := reporting.NewSummary("package")
	r.packagePass(ctx, apps, sum)
	sum.Finish()
	return sum
}

// Upload runs the upload pass. The returned error wraps ErrAuth when the run
// was aborted; the summary still holds everything processed before that.
func (r *Runner) Upload(ctx context.Context, apps []catalog.Descriptor, opts reconcile.Options) (*reporting.Summary, error) {
	sum := reporting.NewSummary("upload")
	err := r.uploadPass(ctx, apps, opts, sum)
	sum.Abort(err)
	sum.Finish()
	return sum, err
}

// Run packages every application and then uploads the results.
func (r *Runner) Run(ctx context.Context, apps []catalog.Descriptor, opts reconcile.Options) (*reporting.Summary, error) {
	sum := reporting.NewSummary("run")
	r.packagePass(ctx, apps, sum)
	err := r.uploadPass(ctx, apps, opts, sum)
	sum.Abort(err)
	sum.Finish()
	return sum, err
}

func (r *Runner) packagePass(ctx context.Context, apps []catalog.Descriptor, sum *reporting.Summary) {
	for _, desc := range apps {
		if ctx.Err() != nil {
			sum.Add(reporting.Record{App: desc.ID, Pass: reporting.PassPackage, Status: string(pipeline.StatusFailed), Error: ctx.Err().Error(), Failed: true})
			continue
		}
		logging.Info("Packaging", "app", desc.ID)
		o := r.Pipeline.Run(ctx, desc)

		rec := reporting.Record{
			App:     desc.ID,
			Pass:    reporting.PassPackage,
			Status:  string(o.Status),
			Version: o.Version,
			Detail:  o.Path,
			Reason:  o.Reason,
			Failed:  o.Status == pipeline.StatusFailed,
		}
		switch o.Status {
		case pipeline.StatusFailed:
			rec.Reason = ""
			if o.Err != nil {
				rec.Error = o.Err.Error()
			}
			logging.Error("Packaging failed", "app", desc.ID, "error", o.Err)
		case pipeline.StatusPackaged:
			if sha, err := utils.FileSHA256(o.Path); err == nil {
				logging.Info("Packaged", "app", desc.ID, "version", o.Version, "archive", filepath.Base(o.Path), "sha256", sha)
			}
		}
		sum.Add(rec)
	}
}

func (r *Runner) uploadPass(ctx context.Context, apps []catalog.Descriptor, opts reconcile.Options, sum *reporting.Summary) error {
	for _, desc := range apps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fail := func(err error) {
			logging.Error("Upload failed", "app", desc.ID, "error", err)
			sum.Add(reporting.Record{App: desc.ID, Pass: reporting.PassUpload, Status: string(reconcile.StatusFailed), Error: err.Error(), Failed: true})
		}

		archive, candidate, err := newestArchive(r.Repo, desc)
		if err != nil {
			fail(err)
			continue
		}

		if err := r.Session.EnsureSession(ctx); err != nil {
			err = fmt.Errorf("%w: %v", ErrAuth, err)
			fail(err)
			return err
		}

		logging.Info("Uploading", "app", desc.ID, "archive", filepath.Base(archive), "version", candidate)
		o := r.Reconciler.Reconcile(ctx, desc, archive, candidate, opts)
		rec := reporting.Record{
			App:     desc.ID,
			Pass:    reporting.PassUpload,
			Status:  string(o.Status),
			Version: o.Version,
			Detail:  o.ID,
			Reason:  o.Reason,
			Failed:  o.Status == reconcile.StatusFailed,
		}
		if rec.Failed {
			rec.Reason = ""
			if o.Err != nil {
				rec.Error = o.Err.Error()
			}
			logging.Error("Upload failed", "app", desc.ID, "error", o.Err)
		}
		sum.Add(rec)

		if errors.Is(o.Err, graph.ErrAuth) {
			return fmt.Errorf("%w: %v", ErrAuth, o.Err)
		}
	}
	return nil
}

// newestArchive picks the most recently written archive for desc and the
// version its filename carries.
func newestArchive(repo string, desc catalog.Descriptor) (string, string, error) {
	archive, err := ledger.Newest(desc.Dir(repo), desc.Glob())
	if err != nil {
		return "", "", err
	}
	candidate, ok := ledger.For(desc).VersionOf(archive)
	if !ok {
		return "", "", fmt.Errorf("cannot determine version of %s", filepath.Base(archive))
	}
	return archive, candidate, nil
}
