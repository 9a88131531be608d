package telegraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/flow"
	"github.com/zulandar/secretary/internal/jobs"
)

// Remote command replies.
var (
	msgCommandDone   = flow.System("スクリプトの実行が完了しました！✨\n（変更があれば別途通知されます）")
	msgCommandDenied = flow.System("このコマンドを実行する権限がありません。")
)

func msgCommandFailed(detail string) string {
	return flow.Failure("実行に失敗しました💦\n" + detail)
}

// CommandHandler runs configured programs on exact keyword match.
type CommandHandler struct {
	commands []config.CommandConfig
	runner   jobs.Runner
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Commands []config.CommandConfig
	Runner   jobs.Runner
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Runner == nil && len(opts.Commands) > 0 {
		return nil, fmt.Errorf("telegraph: command handler: runner is required")
	}
	return &CommandHandler{commands: opts.Commands, runner: opts.Runner}, nil
}

// Match returns the command whose keyword equals text.
func (ch *CommandHandler) Match(text string) (config.CommandConfig, bool) {
	if ch == nil {
		return config.CommandConfig{}, false
	}
	text = strings.TrimSpace(text)
	for _, c := range ch.commands {
		if c.Keyword == text {
			return c, true
		}
	}
	return config.CommandConfig{}, false
}

// Allowed reports whether a sender known by any of ids may run cmd. An empty
// allow list admits everyone.
func (ch *CommandHandler) Allowed(cmd config.CommandConfig, ids ...string) bool {
	if len(cmd.AllowedUsers) == 0 {
		return true
	}
	for _, id := range ids {
		if slices.Contains(cmd.AllowedUsers, id) {
			return true
		}
	}
	return false
}

// Execute runs cmd and returns the reply text.
func (ch *CommandHandler) Execute(ctx context.Context, cmd config.CommandConfig) string {
	res, err := ch.runner.Run(ctx, jobs.Spec{
		Name:    "command",
		Program: cmd.Program,
		Args:    cmd.Args,
		Dir:     cmd.Dir,
	})
	if err != nil {
		var jerr *jobs.Error
		if errors.As(err, &jerr) {
			return msgCommandFailed(jerr.Message)
		}
		return msgCommandFailed(jobs.Truncate(err.Error(), jobs.MaxMessageLen))
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return msgCommandDone
	}
	return msgCommandDone + "\n\n" + jobs.Truncate(out, jobs.MaxMessageLen)
}
