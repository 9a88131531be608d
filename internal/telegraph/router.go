package telegraph

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/events"
	"github.com/zulandar/secretary/internal/flow"
	"github.com/zulandar/secretary/internal/invoice"
	"github.com/zulandar/secretary/internal/jobs"
	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/metrics"
	"github.com/zulandar/secretary/internal/store"
)

// Assistant answers messages that no flow, trigger or command claims.
type Assistant interface {
	Enabled() bool
	Reply(ctx context.Context, user, text string) (string, error)
}

// Publisher receives job lifecycle events.
type Publisher interface {
	PublishJobFinished(ev events.JobFinished) error
}

// Router classifies inbound chat messages and drives each user's flow:
// control keywords, the active flow, flow triggers, remote commands and
// finally the assistant, in that order.
type Router struct {
	adapter   Adapter
	engine    *flow.Engine
	keywords  flow.Keywords
	states    store.Store[flow.State]
	assistant Assistant
	runner    jobs.Runner
	programs  *invoice.Programs
	tracker   *jobs.Tracker
	commands  *CommandHandler
	publisher Publisher
	metrics   *metrics.Recorder
	publicURL string
	botUserID string
	log       *zap.Logger

	locks   *userLocks
	staging sync.Mutex // guards the shared receipt staging directory
	bg      sync.WaitGroup
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Adapter   Adapter
	Engine    *flow.Engine
	Keywords  flow.Keywords
	States    store.Store[flow.State]
	Assistant Assistant // optional; nil drops unclaimed messages
	Runner    jobs.Runner
	Programs  *invoice.Programs
	Tracker   *jobs.Tracker   // defaults to a new tracker
	Commands  *CommandHandler // optional
	Publisher Publisher       // optional
	Metrics   *metrics.Recorder
	PublicURL string // base URL for download links; empty disables them
	BotUserID string // bot's user ID for self-message filtering
	Logger    *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("telegraph: router: flow engine is required")
	}
	if opts.States == nil {
		return nil, fmt.Errorf("telegraph: router: state store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("telegraph: router: job runner is required")
	}
	if opts.Programs == nil {
		return nil, fmt.Errorf("telegraph: router: programs are required")
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = jobs.NewTracker()
	}
	return &Router{
		adapter:   opts.Adapter,
		engine:    opts.Engine,
		keywords:  opts.Keywords,
		states:    opts.States,
		assistant: opts.Assistant,
		runner:    opts.Runner,
		programs:  opts.Programs,
		tracker:   tracker,
		commands:  opts.Commands,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		botUserID: opts.BotUserID,
		log:       logging.OrNop(opts.Logger).Named("router"),
		locks:     newUserLocks(),
	}, nil
}

// Handle processes a single inbound message. It never returns an error and
// never panics; failures are logged and, where useful, apologised for.
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	defer r.recoverTo(ctx, targetOf(msg), msg.Identity())

	outcome := "ignored"
	switch {
	case msg.UserID == "" || r.isSelfMessage(msg):
	case msg.Kind == KindImage:
		outcome = r.handleImage(ctx, msg)
	case msg.Kind == KindText:
		outcome = r.handleText(ctx, msg)
	}
	r.metrics.Event(msg.Platform, string(msg.Kind), outcome)
}

// recoverTo turns a panic into a log entry and the generic apology.
func (r *Router) recoverTo(ctx context.Context, to target, user string) {
	p := recover()
	if p == nil {
		return
	}
	r.log.Error("panic while handling message",
		zap.String("user", user), zap.Any("panic", p), zap.Stack("stack"))
	r.send(context.WithoutCancel(ctx), to, flow.MsgUnexpected)
}

func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

func (r *Router) handleText(ctx context.Context, msg InboundMessage) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "ignored"
	}
	user := msg.Identity()
	to := targetOf(msg)
	r.log.Debug("recv", zap.String("user", user), zap.String("text", jobs.Truncate(text, 80)))

	unlock := r.locks.Lock(user)
	outcome, forward := r.stepFlow(ctx, user, to, text)
	unlock()
	if !forward {
		return outcome
	}

	if cmd, ok := r.commands.Match(text); ok {
		r.runCommand(ctx, msg, to, cmd)
		return "command"
	}
	return r.askAssistant(ctx, user, to, text)
}

// stepFlow applies control keywords, the active flow and triggers. It reports
// whether the message is still unclaimed. The caller holds the user's lock.
func (r *Router) stepFlow(ctx context.Context, user string, to target, text string) (string, bool) {
	st, ok, err := r.states.Get(ctx, user)
	if err != nil {
		r.log.Error("load flow state", zap.String("user", user), zap.Error(err))
		r.send(ctx, to, flow.MsgUnexpected)
		return "error", false
	}
	if ok && st.Processing() {
		r.metrics.Dropped("busy")
		r.log.Debug("dropping text while processing", zap.String("user", user), zap.String("step", string(st.Step)))
		return "dropped", false
	}

	ctrl := r.keywords.Classify(text)
	if ok {
		var d flow.Decision
		switch ctrl {
		case flow.ControlCancel:
			d = r.engine.Cancel()
		case flow.ControlBack:
			d = r.engine.Back(&st)
		default:
			d = r.engine.Step(&st, text)
		}
		r.apply(ctx, user, to, d, nil)
		if !d.Fallthrough {
			return "flow", false
		}
	}
	if ctrl.IsTrigger() {
		r.apply(ctx, user, to, r.engine.Start(ctrl), nil)
		return "trigger", false
	}
	return "", true
}

func (r *Router) handleImage(ctx context.Context, msg InboundMessage) string {
	if msg.FileID == "" {
		return "ignored"
	}
	user := msg.Identity()
	to := targetOf(msg)

	unlock := r.locks.Lock(user)
	defer unlock()

	st, ok, err := r.states.Get(ctx, user)
	if err != nil {
		r.log.Error("load flow state", zap.String("user", user), zap.Error(err))
		r.send(ctx, to, flow.MsgUnexpected)
		return "error"
	}
	if ok && st.Processing() {
		r.metrics.Dropped("busy")
		r.log.Info("dropping image while processing", zap.String("user", user), zap.String("job_id", st.JobID))
		return "dropped"
	}

	d := r.engine.ReceiptStarted()
	d.Job = &flow.JobRequest{Job: invoice.JobReceiptParse}
	r.apply(ctx, user, to, d, &attachment{fileID: msg.FileID, fileName: msg.FileName})
	return "image"
}

// apply persists d, performs its effect, sends its messages and starts its
// job. The caller holds the user's lock.
func (r *Router) apply(ctx context.Context, user string, to target, d flow.Decision, img *attachment) {
	var (
		task   *jobs.Task
		jobCtx context.Context
	)
	if d.Job != nil && d.Next != nil {
		task, jobCtx = r.tracker.Start(context.WithoutCancel(ctx), user, d.Job.Job)
		d.Next.JobID = task.ID
	}

	if err := r.saveState(ctx, user, d.Next); err != nil {
		r.log.Error("save flow state", zap.String("user", user), zap.Error(err))
		if task != nil {
			r.tracker.Cancel(user)
			r.tracker.Finish(task)
		}
		r.send(ctx, to, flow.MsgUnexpected)
		return
	}

	if d.Effect == flow.EffectClearStaging {
		r.clearStaging(ctx, to)
	}
	r.sendAll(ctx, to, d.Replies)
	if d.Deliver != nil {
		r.deliver(ctx, to, d.Deliver.Path, d.Deliver.Name, d.Deliver.DateDir)
	}
	r.sendAll(ctx, to, d.FollowUp)

	if task != nil {
		r.log.Info("job started", zap.String("user", user), zap.String("job", task.Kind), zap.String("job_id", task.ID))
		go r.runJob(jobCtx, task, to, jobInput{req: *d.Job, image: img})
	}
}

func (r *Router) saveState(ctx context.Context, user string, next *flow.State) error {
	if next == nil {
		return r.states.Delete(ctx, user)
	}
	return r.states.Set(ctx, user, *next)
}

func (r *Router) clearStaging(ctx context.Context, to target) {
	r.staging.Lock()
	n, err := jobs.ClearDir(r.programs.InputDir)
	r.staging.Unlock()
	if err != nil {
		r.log.Warn("clear staging", zap.Error(err))
		r.send(ctx, to, flow.MsgImageDeleteErr)
		return
	}
	r.log.Info("staging cleared", zap.Int("files", n))
	r.send(ctx, to, flow.MsgImageDeleted)
}

func (r *Router) runCommand(ctx context.Context, msg InboundMessage, to target, cmd config.CommandConfig) {
	if !r.commands.Allowed(cmd, msg.Identity(), msg.UserID) {
		r.send(ctx, to, msgCommandDenied)
		return
	}
	if cmd.Notice != "" {
		r.send(ctx, to, cmd.Notice)
	}
	bg := context.WithoutCancel(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer r.recoverTo(bg, to, msg.Identity())
		r.log.Info("running command", zap.String("user", msg.Identity()), zap.String("keyword", cmd.Keyword))
		r.send(bg, to, r.commands.Execute(bg, cmd))
	}()
}

func (r *Router) askAssistant(ctx context.Context, user string, to target, text string) string {
	if r.assistant == nil || !r.assistant.Enabled() {
		r.metrics.Dropped("unclaimed")
		return "ignored"
	}
	reply, err := r.assistant.Reply(ctx, user, text)
	if err != nil {
		r.log.Warn("assistant reply", zap.String("user", user), zap.Error(err))
		r.send(ctx, to, flow.MsgAssistantFailed)
		return "assistant-error"
	}
	r.send(ctx, to, reply)
	return "assistant"
}

func (r *Router) send(ctx context.Context, to target, text string) {
	err := r.adapter.Send(ctx, OutboundMessage{UserID: to.userID, ChannelID: to.channelID, Text: text})
	r.metrics.Send("text", err == nil)
	if err != nil {
		r.log.Warn("send message", zap.String("to", to.userID), zap.Error(err))
	}
}

func (r *Router) sendAll(ctx context.Context, to target, texts []string) {
	for _, t := range texts {
		r.send(ctx, to, t)
	}
}

// deliver uploads a finished PDF and, when a public URL is configured, sends
// its download link.
func (r *Router) deliver(ctx context.Context, to target, path, name, dateDir string) {
	err := r.adapter.SendFile(ctx, FileMessage{UserID: to.userID, ChannelID: to.channelID, Path: path, Name: name})
	r.metrics.Send("file", err == nil)
	if err != nil {
		r.log.Warn("send file", zap.String("to", to.userID), zap.String("path", path), zap.Error(err))
	}
	if link := r.downloadURL(dateDir, name); link != "" {
		r.send(ctx, to, flow.System("ダウンロードはこちら👇\n"+link))
	}
}

func (r *Router) downloadURL(dateDir, name string) string {
	if r.publicURL == "" || dateDir == "" || name == "" {
		return ""
	}
	return r.publicURL + "/download/" + url.PathEscape(dateDir) + "/" + url.PathEscape(name)
}

// SweepStates clears flows idle longer than idle and processing states older
// than processing, cancelling their jobs. It returns the number cleared.
func (r *Router) SweepStates(ctx context.Context, now time.Time, idle, processing time.Duration) (int, error) {
	keys, err := r.states.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("telegraph: sweep states: %w", err)
	}
	cleared := 0
	var errs []error
	for _, user := range keys {
		unlock := r.locks.Lock(user)
		st, ok, err := r.states.Get(ctx, user)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ok && expired(st, now, idle, processing):
			if err := r.states.Delete(ctx, user); err != nil {
				errs = append(errs, err)
				break
			}
			if st.Processing() {
				r.tracker.Cancel(user)
			}
			cleared++
			r.log.Info("cleared stale flow", zap.String("user", user), zap.String("step", string(st.Step)))
		}
		unlock()
	}
	r.metrics.ActiveFlows(len(keys) - cleared)
	return cleared, errors.Join(errs...)
}

func expired(st flow.State, now time.Time, idle, processing time.Duration) bool {
	limit := idle
	if st.Processing() {
		limit = processing
	}
	return limit > 0 && now.Sub(st.UpdatedAt) > limit
}

// Shutdown discards in-flight jobs and waits for every background goroutine.
func (r *Router) Shutdown() {
	r.tracker.CancelAll()
	r.tracker.Wait()
	r.bg.Wait()
}
