package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/db"
	"github.com/zulandar/secretary/internal/invoice"
)

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites and configuration",
		Long:  "Runs diagnostic checks on Secretary prerequisites: config, python, generation scripts, work directories, database and state store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Secretary config file")
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Secretary Doctor")
	fmt.Fprintln(out, "================")

	var results []checkResult

	cfg, cfgResult := checkConfig(configPath)
	results = append(results, cfgResult)

	if cfg != nil {
		results = append(results, checkBinary(cfg.Jobs.Python))
		results = append(results, checkScripts(cfg)...)
		results = append(results, checkDirs(cfg)...)
		results = append(results, checkDatabase(cfg.Database))
		results = append(results, checkStore(cmd.Context(), cfg.Store))
		if cfg.Platform == "lineworks" {
			results = append(results, checkFile("LINE WORKS private key", cfg.LineWorks.PrivateKeyPath))
		}
		if cfg.HTTP.PublicURL == "" {
			results = append(results, checkResult{"Public URL", "WARN", "http.public_url not set (download links disabled)"})
		}
	} else {
		results = append(results, checkResult{"Remaining checks", "FAIL", "skipped (no config)"})
	}

	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkConfig(path string) (*config.Config, checkResult) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, checkResult{"Config file", "FAIL", fmt.Sprintf("%s: %v", path, err)}
	}
	return cfg, checkResult{"Config file", "PASS", fmt.Sprintf("%s (platform %s)", path, cfg.Platform)}
}

func checkBinary(name string) checkResult {
	path, err := exec.LookPath(name)
	if err != nil {
		return checkResult{name, "FAIL", "not found in PATH"}
	}

	out, err := exec.Command(path, "--version").CombinedOutput()
	if err != nil {
		return checkResult{name, "PASS", "found (version unknown)"}
	}
	version := strings.TrimSpace(strings.Split(string(out), "\n")[0])
	return checkResult{name, "PASS", version}
}

func checkScripts(cfg *config.Config) []checkResult {
	var results []checkResult
	for _, s := range []struct{ label, name string }{
		{"Receipt script", cfg.Jobs.ReceiptScript},
		{"Manual script", cfg.Jobs.ManualScript},
		{"Pick script", cfg.Jobs.PickScript},
	} {
		results = append(results, checkFile(s.label, cfg.ScriptPath(s.name)))
	}
	return results
}

func checkFile(label, path string) checkResult {
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{label, "FAIL", fmt.Sprintf("%s: not found", path)}
	}
	if !info.Mode().IsRegular() {
		return checkResult{label, "FAIL", fmt.Sprintf("%s: not a regular file", path)}
	}
	return checkResult{label, "PASS", path}
}

// checkDirs reports the work directories. A missing input directory is
// created on first use, so it only warns.
func checkDirs(cfg *config.Config) []checkResult {
	p := invoice.NewPrograms(cfg)
	results := []checkResult{
		checkDir("Input dir", p.InputDir, "WARN"),
		checkDir("Output dir", p.OutputDir, "FAIL"),
	}
	if cfg.Jobs.OrdersDir != "" {
		results = append(results, checkDir("Orders dir", cfg.Jobs.OrdersDir, "FAIL"))
	}
	return results
}

func checkDir(label, path, missing string) checkResult {
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{label, missing, fmt.Sprintf("%s: not found", path)}
	}
	if !info.IsDir() {
		return checkResult{label, "FAIL", fmt.Sprintf("%s: not a directory", path)}
	}
	return checkResult{label, "PASS", path}
}

func checkDatabase(cfg config.DatabaseConfig) checkResult {
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return checkResult{"Database", "FAIL", err.Error()}
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return checkResult{"Database", "FAIL", fmt.Sprintf("get sql.DB: %v", err)}
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		return checkResult{"Database", "FAIL", fmt.Sprintf("%s ping failed: %v", cfg.Driver, err)}
	}
	return checkResult{"Database", "PASS", fmt.Sprintf("%s reachable", cfg.Driver)}
}

func checkStore(ctx context.Context, cfg config.StoreConfig) checkResult {
	if cfg.Backend != "redis" {
		return checkResult{"State store", "PASS", "in-memory (state is lost on restart)"}
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return checkResult{"State store", "FAIL", fmt.Sprintf("parse redis url: %v", err)}
	}
	client := redis.NewClient(opt)
	defer client.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return checkResult{"State store", "FAIL", fmt.Sprintf("%s unreachable: %v", opt.Addr, err)}
	}
	return checkResult{"State store", "PASS", fmt.Sprintf("redis %s reachable", opt.Addr)}
}
