package invoice

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/zulandar/secretary/internal/artifact"
	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/jobs"
)

// Job names, used as the jobs.Spec name and in audit rows.
const (
	JobReceiptParse    = "receipt-parse"
	JobReceiptGenerate = "receipt-generate"
	JobManual          = "manual"
	JobPick            = "pick"
)

// Programs builds the command lines of the generation programs.
type Programs struct {
	Python        string
	ScriptDir     string
	ReceiptScript string
	ManualScript  string
	PickScript    string
	InputDir      string
	OutputDir     string
	PickMarker    string
	Env           map[string]string
	Timeout       time.Duration
}

// NewPrograms reads the jobs and invoice sections of cfg. Relative input and
// output directories are taken relative to the script directory.
func NewPrograms(cfg *config.Config) *Programs {
	return &Programs{
		Python:        cfg.Jobs.Python,
		ScriptDir:     cfg.Jobs.ScriptDir,
		ReceiptScript: cfg.Jobs.ReceiptScript,
		ManualScript:  cfg.Jobs.ManualScript,
		PickScript:    cfg.Jobs.PickScript,
		InputDir:      underDir(cfg.Jobs.ScriptDir, cfg.Jobs.InputDir),
		OutputDir:     underDir(cfg.Jobs.ScriptDir, cfg.Jobs.OutputDir),
		PickMarker:    cfg.Invoice.PickMarker,
		Env:           cfg.Jobs.Env,
		Timeout:       cfg.Jobs.Timeout,
	}
}

func underDir(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (p *Programs) spec(name, script string, args ...string) jobs.Spec {
	if !filepath.IsAbs(script) {
		script = filepath.Join(p.ScriptDir, script)
	}
	return jobs.Spec{
		Name:    name,
		Program: p.Python,
		Args:    append([]string{script}, args...),
		Dir:     filepath.Dir(script),
		Env:     p.Env,
		Timeout: p.Timeout,
	}
}

// ReceiptParse runs OCR over the staging directory and prints the JSON block.
func (p *Programs) ReceiptParse() jobs.Spec {
	return p.spec(JobReceiptParse, p.ReceiptScript, "--parse-only", "--input", p.InputDir)
}

// ReceiptGenerate renders a PDF from a confirmed receipt payload file.
func (p *Programs) ReceiptGenerate(payloadPath string) jobs.Spec {
	return p.spec(JobReceiptGenerate, p.ReceiptScript, "--from-json", payloadPath)
}

// Manual renders a manual invoice: dest content price qty tax.
func (p *Programs) Manual(o ManualOrder) jobs.Spec {
	return p.spec(JobManual, p.ManualScript,
		o.Dest, o.Content, strconv.Itoa(o.Price), strconv.Itoa(o.Qty), string(o.Tax))
}

// Pick renders a pick invoice: destCode qty.
func (p *Programs) Pick(o PickOrder) jobs.Spec {
	return p.spec(JobPick, p.PickScript, o.Dest.Code, strconv.Itoa(o.Qty))
}

// mtimeSlack absorbs coarse filesystem timestamps.
const mtimeSlack = 2 * time.Second

// Query is the artifact search used when a job does not report its output
// path. Files written before the job started are ignored.
func (p *Programs) Query(job string, started time.Time) artifact.Query {
	match := artifact.PDF()
	if job == JobPick {
		match = artifact.All(match, artifact.Contains(p.PickMarker))
	}
	q := artifact.Query{Match: match}
	if !started.IsZero() {
		q.Since = started.Add(-mtimeSlack)
	}
	return q
}
