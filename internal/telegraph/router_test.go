package telegraph

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/events"
	"github.com/zulandar/secretary/internal/flow"
	"github.com/zulandar/secretary/internal/invoice"
	"github.com/zulandar/secretary/internal/jobs"
	"github.com/zulandar/secretary/internal/store"
)

// fakeRunner serves job specs from per-name handlers and records every call.
type fakeRunner struct {
	mu       sync.Mutex
	specs    []jobs.Spec
	handlers map[string]func(ctx context.Context, spec jobs.Spec) (jobs.Result, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]func(context.Context, jobs.Spec) (jobs.Result, error))}
}

func (f *fakeRunner) on(name string, h func(ctx context.Context, spec jobs.Spec) (jobs.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *fakeRunner) Run(ctx context.Context, spec jobs.Spec) (jobs.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	h := f.handlers[spec.Name]
	f.mu.Unlock()
	if h == nil {
		return jobs.Result{}, errors.New("fake runner: no handler for " + spec.Name)
	}
	return h(ctx, spec)
}

func (f *fakeRunner) calls(name string) []jobs.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobs.Spec
	for _, s := range f.specs {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type fakeAssistant struct {
	mu      sync.Mutex
	enabled bool
	reply   string
	err     error
	panics  bool
	asked   []string
}

func (a *fakeAssistant) Enabled() bool { return a.enabled }

func (a *fakeAssistant) Reply(_ context.Context, user, text string) (string, error) {
	if a.panics {
		panic("assistant exploded")
	}
	a.mu.Lock()
	a.asked = append(a.asked, user+"|"+text)
	a.mu.Unlock()
	return a.reply, a.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.JobFinished
}

func (p *fakePublisher) PublishJobFinished(ev events.JobFinished) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) all() []events.JobFinished {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.JobFinished(nil), p.events...)
}

type routerHarness struct {
	router    *Router
	adapter   *MockAdapter
	runner    *fakeRunner
	states    *store.Memory[flow.State]
	programs  *invoice.Programs
	assistant *fakeAssistant
	publisher *fakePublisher
}

func setupRouter(t *testing.T, mutate ...func(*RouterOpts)) *routerHarness {
	t.Helper()
	dir := t.TempDir()
	programs := &invoice.Programs{
		Python:        "python3",
		ScriptDir:     dir,
		ReceiptScript: "batch_gen.py",
		ManualScript:  "manual_invoice.py",
		PickScript:    "pick_invoice.py",
		InputDir:      filepath.Join(dir, "input"),
		OutputDir:     filepath.Join(dir, "output"),
		PickMarker:    "-P",
	}
	for _, d := range []string{programs.InputDir, programs.OutputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	adapter := NewMockAdapter()
	adapter.Connect(context.Background())
	runner := newFakeRunner()
	states := store.NewMemory[flow.State](0)
	keywords := flow.NewKeywords(config.KeywordsConfig{
		Cancel:        []string{"キャンセル"},
		Back:          []string{"戻る"},
		ManualInvoice: []string{"請求書作成"},
		PickInvoice:   []string{"ピック依頼"},
		ReceiptScan:   []string{"レシート読取"},
	})
	engine := flow.New(flow.Options{
		Destinations: invoice.NewDestinations([]config.DestinationConfig{
			{Code: "1", Name: "株式会社ミナミトランスポートレーション", Short: "ミナミトランスポートレーション"},
			{Code: "2", Name: "株式会社TUYOSHI", Short: "TUYOSHI"},
		}),
		PickUnitPrice: 200,
		Keywords:      keywords,
	})
	assistant := &fakeAssistant{enabled: true, reply: "こんにちは！"}
	publisher := &fakePublisher{}

	opts := RouterOpts{
		Adapter:   adapter,
		Engine:    engine,
		Keywords:  keywords,
		States:    states,
		Assistant: assistant,
		Runner:    runner,
		Programs:  programs,
		Publisher: publisher,
	}
	for _, m := range mutate {
		m(&opts)
	}
	router, err := NewRouter(opts)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(router.Shutdown)
	return &routerHarness{
		router:    router,
		adapter:   adapter,
		runner:    runner,
		states:    states,
		programs:  programs,
		assistant: assistant,
		publisher: publisher,
	}
}

func (h *routerHarness) text(user string, texts ...string) {
	for _, text := range texts {
		h.router.Handle(context.Background(), InboundMessage{
			Platform: "test", UserID: user, ChannelID: "c-" + user, Kind: KindText, Text: text,
		})
	}
}

func (h *routerHarness) image(user, fileID string, data []byte) {
	h.adapter.SetDownload(fileID, data)
	h.router.Handle(context.Background(), InboundMessage{
		Platform: "test", UserID: user, ChannelID: "c-" + user, Kind: KindImage, FileID: fileID, FileName: "IMG_0001.jpg",
	})
}

func (h *routerHarness) state(t *testing.T, user string) (flow.State, bool) {
	t.Helper()
	st, ok, err := h.states.Get(context.Background(), Identity("test", user))
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	return st, ok
}

// sentContaining reports whether any sent text contains sub.
func (h *routerHarness) sentContaining(sub string) bool {
	for _, s := range h.adapter.SentTexts() {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// makePDF creates outDir/<dateDir>/<name> and returns its path. Job handlers
// run off the test goroutine, so it reports errors instead of failing.
func makePDF(outDir, dateDir, name string) (string, error) {
	dir := filepath.Join(outDir, dateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, []byte("%PDF-1.4"), 0o644)
}

// pdfJob returns a handler that writes a PDF and reports it with the marker.
func pdfJob(outDir, name string) func(context.Context, jobs.Spec) (jobs.Result, error) {
	return func(context.Context, jobs.Spec) (jobs.Result, error) {
		path, err := makePDF(outDir, "20260401", name)
		if err != nil {
			return jobs.Result{}, err
		}
		return jobs.Result{Stdout: "generating...\n" + jobs.PDFMarker + path + "\n", Started: time.Now()}, nil
	}
}

func receiptJSON(items string) string {
	return "OCR done\n" + jobs.JSONStartMarker + "\n" + items + "\n" + jobs.JSONEndMarker + "\n"
}

// --- NewRouter tests ---

func TestNewRouter_RequiredOptions(t *testing.T) {
	full := RouterOpts{
		Adapter:  NewMockAdapter(),
		Engine:   flow.New(flow.Options{}),
		States:   store.NewMemory[flow.State](0),
		Runner:   newFakeRunner(),
		Programs: &invoice.Programs{},
	}
	tests := []struct {
		name   string
		mutate func(*RouterOpts)
	}{
		{"adapter", func(o *RouterOpts) { o.Adapter = nil }},
		{"engine", func(o *RouterOpts) { o.Engine = nil }},
		{"states", func(o *RouterOpts) { o.States = nil }},
		{"runner", func(o *RouterOpts) { o.Runner = nil }},
		{"programs", func(o *RouterOpts) { o.Programs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			if _, err := NewRouter(opts); err == nil {
				t.Fatalf("expected error without %s", tt.name)
			}
		})
	}
	if _, err := NewRouter(full); err != nil {
		t.Fatalf("full options: %v", err)
	}
}

// --- Manual invoice ---

func TestRouter_ManualInvoice(t *testing.T) {
	h := setupRouter(t)
	h.runner.on(invoice.JobManual, pdfJob(h.programs.OutputDir, "請求書_山田商店.pdf"))

	h.text("u1", "請求書作成", "山田商店", "コンサルティング", "10,000円", "３", "1")

	waitFor(t, "manual invoice delivered", func() bool { return len(h.adapter.AllFiles()) == 1 })
	waitFor(t, "done message", func() bool { return h.sentContaining("山田商店御中 の請求書が完成しました") })

	calls := h.runner.calls(invoice.JobManual)
	if len(calls) != 1 {
		t.Fatalf("manual runs = %d, want 1", len(calls))
	}
	wantArgs := []string{filepath.Join(h.programs.ScriptDir, "manual_invoice.py"), "山田商店", "コンサルティング", "10000", "3", "1"}
	if strings.Join(calls[0].Args, "|") != strings.Join(wantArgs, "|") {
		t.Errorf("args = %q, want %q", calls[0].Args, wantArgs)
	}

	f := h.adapter.AllFiles()[0]
	if f.Name != "請求書_山田商店.pdf" || f.UserID != "u1" || f.ChannelID != "c-u1" {
		t.Errorf("file = %+v", f)
	}
	waitFor(t, "state cleared", func() bool { _, ok := h.state(t, "u1"); return !ok })
}

func TestRouter_InvalidPriceKeepsStep(t *testing.T) {
	h := setupRouter(t)
	h.text("u1", "請求書作成", "山田商店", "作業費", "abc")

	last, _ := h.adapter.LastSent()
	if last.Text != flow.MsgInvalidPrice {
		t.Errorf("last = %q, want invalid price", last.Text)
	}
	st, ok := h.state(t, "u1")
	if !ok || st.Step != flow.StepManualPrice {
		t.Errorf("state = %+v, want %s", st, flow.StepManualPrice)
	}
}

func TestRouter_BackReasksPreviousQuestion(t *testing.T) {
	h := setupRouter(t)
	h.text("u1", "請求書作成", "山田商店", "戻る")

	st, _ := h.state(t, "u1")
	if st.Step != flow.StepManualDest {
		t.Fatalf("step = %s, want %s", st.Step, flow.StepManualDest)
	}
	if !h.sentContaining("1つ前の項目に戻ります") {
		t.Error("missing back notice")
	}

	h.text("u1", "戻る")
	if !h.sentContaining("これ以上戻れません") {
		t.Error("missing cannot-go-back notice")
	}
	if st, _ := h.state(t, "u1"); st.Step != flow.StepManualDest {
		t.Errorf("step = %s after rejected back", st.Step)
	}
}

func TestRouter_CancelClearsFlow(t *testing.T) {
	h := setupRouter(t)
	h.text("u1", "請求書作成", "キャンセル")

	if _, ok := h.state(t, "u1"); ok {
		t.Error("state should be cleared")
	}
	last, _ := h.adapter.LastSent()
	if last.Text != flow.MsgCanceled {
		t.Errorf("last = %q, want cancel notice", last.Text)
	}
}

// --- Pick invoice ---

func TestRouter_PickInvoiceSelectsPickPDF(t *testing.T) {
	h := setupRouter(t)
	h.runner.on(invoice.JobPick, func(context.Context, jobs.Spec) (jobs.Result, error) {
		// No path marker: the router falls back to scanning the output tree.
		if _, err := makePDF(h.programs.OutputDir, "20260401", "請求書_TUYOSHI.pdf"); err != nil {
			return jobs.Result{}, err
		}
		if _, err := makePDF(h.programs.OutputDir, "20260401", "請求書_TUYOSHI-P.pdf"); err != nil {
			return jobs.Result{}, err
		}
		return jobs.Result{Stdout: "ok\n", Started: time.Now().Add(-time.Second)}, nil
	})

	h.text("u1", "ピック依頼", "２", "5")

	waitFor(t, "pick file delivered", func() bool { return len(h.adapter.AllFiles()) == 1 })
	if got := h.adapter.AllFiles()[0].Name; got != "請求書_TUYOSHI-P.pdf" {
		t.Errorf("delivered %q, want the pick PDF", got)
	}
	waitFor(t, "done message", func() bool { return h.sentContaining("TUYOSHI宛 (5個) の請求書が完成しました") })

	calls := h.runner.calls(invoice.JobPick)
	if len(calls) != 1 || calls[0].Args[1] != "2" || calls[0].Args[2] != "5" {
		t.Errorf("pick calls = %+v", calls)
	}
}

func TestRouter_PickInvoiceMissingPDF(t *testing.T) {
	h := setupRouter(t)
	h.runner.on(invoice.JobPick, func(context.Context, jobs.Spec) (jobs.Result, error) {
		return jobs.Result{Stdout: "ok\n", Started: time.Now()}, nil
	})

	h.text("u1", "ピック依頼", "1", "2")

	waitFor(t, "missing pdf notice", func() bool { return h.sentContaining(flow.MsgPickPDFMissing) })
	if len(h.adapter.AllFiles()) != 0 {
		t.Error("no file should be sent")
	}
}

func TestRouter_JobFailureReported(t *testing.T) {
	h := setupRouter(t)
	h.runner.on(invoice.JobManual, func(context.Context, jobs.Spec) (jobs.Result, error) {
		return jobs.Result{ExitCode: 1}, &jobs.Error{Job: invoice.JobManual, Reason: jobs.ReasonExit, ExitCode: 1, Message: "Traceback: boom"}
	})

	h.text("u1", "請求書作成", "山田商店", "作業費", "1000", "1", "2")

	waitFor(t, "failure notice", func() bool { return h.sentContaining("カスタム請求書の作成に失敗しました💦\nTraceback: boom") })
	waitFor(t, "failed event", func() bool { return len(h.publisher.all()) == 1 })
	ev := h.publisher.all()[0]
	if ev.Status != "failed" || ev.ExitCode != 1 || ev.Kind != invoice.JobManual {
		t.Errorf("event = %+v", ev)
	}
}

// --- Receipt OCR ---

func TestRouter_ReceiptLifecycle(t *testing.T) {
	h := setupRouter(t)
	var payload invoice.Receipt
	h.runner.on(invoice.JobReceiptParse, func(_ context.Context, spec jobs.Spec) (jobs.Result, error) {
		data, err := os.ReadFile(filepath.Join(h.programs.InputDir, "IMG_0001.jpg"))
		if err != nil || string(data) != "jpeg-bytes" {
			return jobs.Result{}, errors.New("image not staged")
		}
		return jobs.Result{Stdout: receiptJSON(`{"date":"2026-04-01","items":[{"name":"コーヒー","unit":450,"qty":2}]}`)}, nil
	})
	h.runner.on(invoice.JobReceiptGenerate, func(_ context.Context, spec jobs.Spec) (jobs.Result, error) {
		raw, err := os.ReadFile(spec.Args[len(spec.Args)-1])
		if err != nil {
			return jobs.Result{}, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return jobs.Result{}, err
		}
		path, err := makePDF(h.programs.OutputDir, "20260401", "領収書.pdf")
		return jobs.Result{Stdout: jobs.PDFMarker + path}, err
	})

	h.image("u1", "file-1", []byte("jpeg-bytes"))
	if !h.sentContaining("内容を読み取っています") {
		t.Fatal("missing image received notice")
	}

	waitFor(t, "confirmation", func() bool { return h.sentContaining("この内容で請求書を作成しますか？") })
	st, _ := h.state(t, "u1")
	if st.Step != flow.StepOCRConfirm || st.Fields.Receipt == nil || st.Fields.Receipt.Total() != 900 {
		t.Fatalf("state = %+v", st)
	}

	h.text("u1", "はい")
	waitFor(t, "receipt pdf", func() bool { return len(h.adapter.AllFiles()) == 1 })
	waitFor(t, "delete prompt", func() bool { return h.sentContaining("元画像を削除しますか？") })
	if len(payload.Items) != 1 || payload.Items[0].Name != "コーヒー" {
		t.Errorf("generator payload = %+v", payload)
	}
	if st, _ := h.state(t, "u1"); st.Step != flow.StepImageDelete {
		t.Fatalf("step = %s, want %s", st.Step, flow.StepImageDelete)
	}

	h.text("u1", "1")
	if !h.sentContaining(flow.MsgImageDeleted) {
		t.Error("missing deleted notice")
	}
	entries, _ := os.ReadDir(h.programs.InputDir)
	if len(entries) != 0 {
		t.Errorf("staging has %d entries after delete", len(entries))
	}
	if _, ok := h.state(t, "u1"); ok {
		t.Error("state should be cleared")
	}
}

func TestRouter_ReceiptEmptyItems(t *testing.T) {
	h := setupRouter(t)
	h.runner.on(invoice.JobReceiptParse, func(context.Context, jobs.Spec) (jobs.Result, error) {
		return jobs.Result{Stdout: receiptJSON(`{"items":[]}`)}, nil
	})

	h.image("u1", "file-1", []byte("x"))

	waitFor(t, "parse failure", func() bool { return h.sentContaining("レシートの読み取りに失敗しました") })
	waitFor(t, "state cleared", func() bool { _, ok := h.state(t, "u1"); return !ok })
}

func TestRouter_ReceiptDeclinedAndUnrelatedAnswer(t *testing.T) {
	h := setupRouter(t)
	h.runner.on(invoice.JobReceiptParse, func(context.Context, jobs.Spec) (jobs.Result, error) {
		return jobs.Result{Stdout: receiptJSON(`[{"name":"紙","unit":100,"qty":1}]`)}, nil
	})

	h.image("u1", "file-1", []byte("x"))
	waitFor(t, "confirmation", func() bool { return h.sentContaining("この内容で請求書を作成しますか？") })

	h.text("u1", "今日の天気は？")
	if _, ok := h.state(t, "u1"); ok {
		t.Error("unrelated answer should clear the confirmation")
	}
	if len(h.assistant.asked) != 1 || h.assistant.asked[0] != "test:u1|今日の天気は？" {
		t.Errorf("assistant asked = %v", h.assistant.asked)
	}
	if len(h.runner.calls(invoice.JobReceiptGenerate)) != 0 {
		t.Error("generator must not run")
	}
}

func TestRouter_SecondImageWhileProcessingDropped(t *testing.T) {
	h := setupRouter(t)
	release := make(chan struct{})
	h.runner.on(invoice.JobReceiptParse, func(ctx context.Context, _ jobs.Spec) (jobs.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return jobs.Result{}, ctx.Err()
		}
		return jobs.Result{Stdout: receiptJSON(`[{"name":"紙","unit":100,"qty":1}]`)}, nil
	})

	h.image("u1", "file-1", []byte("a"))
	h.image("u1", "file-2", []byte("b"))
	h.text("u1", "キャンセル")
	close(release)

	waitFor(t, "confirmation", func() bool { return h.sentContaining("この内容で請求書を作成しますか？") })
	if n := len(h.runner.calls(invoice.JobReceiptParse)); n != 1 {
		t.Errorf("parse runs = %d, want 1", n)
	}
	if h.sentContaining(flow.MsgCanceled) {
		t.Error("cancel during processing should be dropped")
	}
}

func TestRouter_LateCompletionAfterSweepIgnored(t *testing.T) {
	h := setupRouter(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.runner.on(invoice.JobManual, func(context.Context, jobs.Spec) (jobs.Result, error) {
		close(started)
		<-release
		path, err := makePDF(h.programs.OutputDir, "20260401", "late.pdf")
		return jobs.Result{Stdout: jobs.PDFMarker + path}, err
	})

	h.text("u1", "請求書作成", "山田商店", "作業費", "1000", "1", "1")
	<-started

	n, err := h.router.SweepStates(context.Background(), time.Now().Add(time.Hour), time.Minute, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1 cleared", n, err)
	}
	// A new flow starts before the old job returns.
	h.text("u1", "ピック依頼")
	close(release)

	waitFor(t, "discarded event", func() bool { return len(h.publisher.all()) == 1 })
	if ev := h.publisher.all()[0]; ev.Status != "discarded" {
		t.Errorf("status = %q, want discarded", ev.Status)
	}
	if len(h.adapter.AllFiles()) != 0 || h.sentContaining("請求書が完成しました") {
		t.Error("late completion must not be delivered")
	}
	if st, _ := h.state(t, "u1"); st.Step != flow.StepPickDest {
		t.Errorf("step = %s, want the new flow untouched", st.Step)
	}
}

func TestRouter_SweepStatesIdle(t *testing.T) {
	h := setupRouter(t)
	h.text("u1", "請求書作成")
	h.text("u2", "ピック依頼")

	n, err := h.router.SweepStates(context.Background(), time.Now().Add(10*time.Minute), 30*time.Minute, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	n, err = h.router.SweepStates(context.Background(), time.Now().Add(31*time.Minute), 30*time.Minute, time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("sweep = %d, %v; want 2", n, err)
	}
	if h.states.Len() != 0 {
		t.Errorf("states left = %d", h.states.Len())
	}
}

// --- Fallthrough: commands and assistant ---

func TestRouter_CancelWithoutFlowGoesToAssistant(t *testing.T) {
	h := setupRouter(t)
	h.text("u1", "キャンセル")

	if len(h.assistant.asked) != 1 {
		t.Fatalf("assistant asked %d times, want 1", len(h.assistant.asked))
	}
	last, _ := h.adapter.LastSent()
	if last.Text != "こんにちは！" {
		t.Errorf("last = %q", last.Text)
	}
}

func TestRouter_AssistantFailure(t *testing.T) {
	h := setupRouter(t)
	h.assistant.err = errors.New("quota exceeded")
	h.text("u1", "質問です")

	last, _ := h.adapter.LastSent()
	if last.Text != flow.MsgAssistantFailed {
		t.Errorf("last = %q, want assistant failure", last.Text)
	}
}

func TestRouter_AssistantDisabledStaysSilent(t *testing.T) {
	h := setupRouter(t)
	h.assistant.enabled = false
	h.text("u1", "質問です")
	if h.adapter.SentCount() != 0 {
		t.Errorf("sent %d messages, want none", h.adapter.SentCount())
	}
}

func TestRouter_PanicRecovered(t *testing.T) {
	h := setupRouter(t)
	h.assistant.panics = true
	h.text("u1", "質問です")

	last, ok := h.adapter.LastSent()
	if !ok || last.Text != flow.MsgUnexpected {
		t.Errorf("last = %q, want generic apology", last.Text)
	}
}

func TestRouter_CommandAllowed(t *testing.T) {
	runner := newFakeRunner()
	runner.on("command", func(context.Context, jobs.Spec) (jobs.Result, error) {
		return jobs.Result{Stdout: "3 orders imported\n"}, nil
	})
	cmds, err := NewCommandHandler(CommandHandlerOpts{
		Commands: []config.CommandConfig{{Keyword: "受注処理", Program: "python3", Args: []string{"orders.py"}, Notice: "受注処理を開始します", AllowedUsers: []string{"admin"}}},
		Runner:   runner,
	})
	if err != nil {
		t.Fatalf("new command handler: %v", err)
	}
	h := setupRouter(t, func(o *RouterOpts) { o.Commands = cmds })

	h.text("admin", "受注処理")
	waitFor(t, "command done", func() bool { return h.sentContaining("スクリプトの実行が完了しました") })
	if !h.sentContaining("受注処理を開始します") || !h.sentContaining("3 orders imported") {
		t.Errorf("sent = %q", h.adapter.SentTexts())
	}

	h.text("guest", "受注処理")
	last, _ := h.adapter.LastSent()
	if last.Text != msgCommandDenied {
		t.Errorf("last = %q, want denied", last.Text)
	}
	if len(h.assistant.asked) != 0 {
		t.Error("commands must not reach the assistant")
	}
}

// --- Filtering and delivery ---

func TestRouter_IgnoresSelfAndEmpty(t *testing.T) {
	h := setupRouter(t, func(o *RouterOpts) { o.BotUserID = "bot" })
	h.text("bot", "請求書作成")
	h.text("", "請求書作成")
	h.text("u1", "   ")

	if h.adapter.SentCount() != 0 || h.states.Len() != 0 {
		t.Errorf("sent=%d states=%d, want nothing", h.adapter.SentCount(), h.states.Len())
	}
}

func TestRouter_DownloadLink(t *testing.T) {
	h := setupRouter(t, func(o *RouterOpts) { o.PublicURL = "https://bot.example.com/" })
	h.runner.on(invoice.JobManual, pdfJob(h.programs.OutputDir, "請求書 A.pdf"))

	h.text("u1", "請求書作成", "A", "作業", "100", "1", "1")

	want := "https://bot.example.com/download/20260401/%E8%AB%8B%E6%B1%82%E6%9B%B8%20A.pdf"
	waitFor(t, "download link", func() bool { return h.sentContaining(want) })
}

func TestRouter_UsersAreIndependent(t *testing.T) {
	h := setupRouter(t)
	h.text("u1", "請求書作成")
	h.text("u2", "ピック依頼")
	h.text("u1", "山田商店")

	st1, _ := h.state(t, "u1")
	st2, _ := h.state(t, "u2")
	if st1.Step != flow.StepManualContent || st1.Fields.Dest != "山田商店" {
		t.Errorf("u1 = %+v", st1)
	}
	if st2.Step != flow.StepPickDest || st2.Fields.Dest != "" {
		t.Errorf("u2 = %+v", st2)
	}
}
