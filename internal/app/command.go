package app

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"taskforge/internal/sched"
	"taskforge/pkg/logx"
)

const maxCapturedOutput = 4 * 1024

// commandFunc adapts an argv vector into a task callable. The command runs
// without a shell; a non-zero exit becomes the invocation's error, with a
// bounded tail of combined output attached for diagnosis.
func commandFunc(argv []string, log logx.Logger) sched.Func {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return fmt.Errorf("empty command")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			tail := strings.TrimSpace(string(out))
			if len(tail) > maxCapturedOutput {
				tail = tail[len(tail)-maxCapturedOutput:]
			}
			if tail != "" {
				return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		if len(out) > 0 {
			log.Trace("command output", logx.String("cmd", argv[0]), logx.Int("bytes", len(out)))
		}
		return nil
	}
}
