package telegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/artifact"
	"github.com/zulandar/secretary/internal/events"
	"github.com/zulandar/secretary/internal/flow"
	"github.com/zulandar/secretary/internal/invoice"
	"github.com/zulandar/secretary/internal/jobs"
	"github.com/zulandar/secretary/internal/models"
)

// attachment is an inbound image awaiting download.
type attachment struct {
	fileID   string
	fileName string
}

type jobInput struct {
	req   flow.JobRequest
	image *attachment
}

// executed is what one job run produced.
type executed struct {
	spec jobs.Spec
	res  jobs.Result
	out  flow.Outcome
}

// runJob executes a job in the background and applies its outcome, unless
// the job was discarded or the user's state moved on meanwhile.
func (r *Router) runJob(ctx context.Context, task *jobs.Task, to target, in jobInput) {
	bg := context.WithoutCancel(ctx)
	ex := r.safeExecute(ctx, in)
	applicable := r.tracker.Finish(task)
	r.report(task, ex, applicable)
	if !applicable {
		r.log.Info("job discarded", zap.String("user", task.User), zap.String("job_id", task.ID))
		return
	}
	r.complete(bg, task, to, ex.out)
}

func (r *Router) safeExecute(ctx context.Context, in jobInput) (ex executed) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in job", zap.String("job", in.req.Job), zap.Any("panic", p), zap.Stack("stack"))
			ex.out = flow.Outcome{Err: fmt.Errorf("telegraph: job %s panicked: %v", in.req.Job, p)}
		}
	}()
	return r.execute(ctx, in)
}

func (r *Router) execute(ctx context.Context, in jobInput) executed {
	switch in.req.Job {
	case invoice.JobReceiptParse:
		return r.parseReceipt(ctx, in.image)
	case invoice.JobReceiptGenerate:
		return r.generateReceipt(ctx, in.req.Receipt)
	case invoice.JobManual:
		return r.runAndLocate(ctx, r.programs.Manual(in.req.Manual))
	case invoice.JobPick:
		return r.runAndLocate(ctx, r.programs.Pick(in.req.Pick))
	}
	return executed{out: flow.Outcome{Err: fmt.Errorf("telegraph: unknown job %q", in.req.Job)}}
}

// parseReceipt stages the image and runs OCR. The staging directory is
// shared, so the whole sequence holds the staging lock.
func (r *Router) parseReceipt(ctx context.Context, img *attachment) executed {
	spec := r.programs.ReceiptParse()
	ex := executed{spec: spec}
	if img == nil {
		ex.out.Err = errors.New("telegraph: receipt job without image")
		return ex
	}

	r.staging.Lock()
	defer r.staging.Unlock()

	data, err := r.adapter.Download(ctx, img.fileID)
	if err != nil {
		ex.out.Err = fmt.Errorf("telegraph: download image: %w", err)
		return ex
	}
	if _, err := jobs.ClearDir(r.programs.InputDir); err != nil {
		ex.out.Err = fmt.Errorf("telegraph: clear staging: %w", err)
		return ex
	}
	if err := os.WriteFile(filepath.Join(r.programs.InputDir, stagingName(img.fileName)), data, 0o644); err != nil {
		ex.out.Err = fmt.Errorf("telegraph: stage image: %w", err)
		return ex
	}

	ex.res, err = r.runner.Run(ctx, spec)
	if err != nil {
		ex.out.Err = err
		return ex
	}
	raw, err := jobs.ExtractJSONBlock(ex.res.Stdout)
	if err != nil {
		ex.out.Err = jobs.OutputError(spec.Name, err)
		return ex
	}
	receipt, err := invoice.ParseReceipt(raw)
	if err != nil {
		ex.out.Err = jobs.OutputError(spec.Name, err)
		return ex
	}
	ex.out.Receipt = receipt
	return ex
}

func stagingName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "receipt.jpg"
	}
	return name
}

// generateReceipt writes the confirmed receipt to a temp file and renders it.
func (r *Router) generateReceipt(ctx context.Context, receipt *invoice.Receipt) executed {
	f, err := os.CreateTemp("", "secretary-receipt-*.json")
	if err != nil {
		return executed{out: flow.Outcome{Err: fmt.Errorf("telegraph: payload file: %w", err)}}
	}
	defer os.Remove(f.Name())
	err = json.NewEncoder(f).Encode(receipt)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return executed{out: flow.Outcome{Err: fmt.Errorf("telegraph: write payload: %w", err)}}
	}

	r.staging.Lock()
	defer r.staging.Unlock()
	return r.runAndLocate(ctx, r.programs.ReceiptGenerate(f.Name()))
}

// runAndLocate runs spec and finds the PDF it produced: the path the program
// reported if any, else the newest matching file written since it started.
func (r *Router) runAndLocate(ctx context.Context, spec jobs.Spec) executed {
	ex := executed{spec: spec}
	var err error
	ex.res, err = r.runner.Run(ctx, spec)
	if err != nil {
		ex.out.Err = err
		return ex
	}

	if p, err := jobs.ExtractPathMarker(ex.res.Stdout); err == nil {
		if !filepath.IsAbs(p) {
			p = filepath.Join(spec.Dir, p)
		}
		found, err := artifact.Describe(p)
		if err == nil {
			ex.out.Artifact = found
			return ex
		}
		r.log.Warn("reported artifact unreadable, scanning output", zap.String("path", p), zap.Error(err))
	}

	found, err := artifact.FindNewest(r.programs.OutputDir, r.programs.Query(spec.Name, ex.res.Started))
	if err != nil {
		ex.out.Err = err
		return ex
	}
	ex.out.Artifact = found
	return ex
}

// complete applies a job outcome under the user's lock. A completion for a
// job the state no longer references is dropped.
func (r *Router) complete(ctx context.Context, task *jobs.Task, to target, out flow.Outcome) {
	unlock := r.locks.Lock(task.User)
	defer unlock()
	defer r.recoverTo(ctx, to, task.User)

	st, ok, err := r.states.Get(ctx, task.User)
	if err != nil {
		r.log.Error("load flow state", zap.String("user", task.User), zap.Error(err))
		return
	}
	if !ok || st.JobID != task.ID {
		r.metrics.Dropped("stale-completion")
		r.log.Info("ignoring stale completion", zap.String("user", task.User), zap.String("job_id", task.ID))
		return
	}
	if out.Err != nil {
		r.log.Warn("job failed", zap.String("user", task.User), zap.String("job", task.Kind), zap.Error(out.Err))
	}
	r.apply(ctx, task.User, to, r.engine.Complete(&st, out), nil)
}

func (r *Router) report(task *jobs.Task, ex executed, applicable bool) {
	status := models.JobStatusSuccess
	exitCode := ex.res.ExitCode
	var errText string
	if err := ex.out.Err; err != nil {
		status = models.JobStatusFailed
		errText = err.Error()
		var jerr *jobs.Error
		if errors.As(err, &jerr) {
			exitCode = jerr.ExitCode
			if jerr.Reason == jobs.ReasonTimeout {
				status = models.JobStatusTimeout
			}
		}
	}
	if !applicable {
		status = models.JobStatusDiscarded
	}
	duration := ex.res.Duration
	if duration == 0 {
		duration = time.Since(task.Started)
	}
	r.metrics.Job(task.Kind, status == models.JobStatusSuccess, duration)

	if r.publisher == nil {
		return
	}
	err := r.publisher.PublishJobFinished(events.JobFinished{
		JobID:     task.ID,
		User:      task.User,
		Kind:      task.Kind,
		Program:   ex.spec.Program,
		Args:      ex.spec.Args,
		ExitCode:  exitCode,
		Status:    status,
		Artifact:  ex.out.Artifact.Path,
		Error:     errText,
		StartedAt: task.Started,
		Duration:  duration,
	})
	if err != nil {
		r.log.Warn("publish job event", zap.String("job_id", task.ID), zap.Error(err))
	}
}
