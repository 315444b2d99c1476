package finalizer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ffmpegConcat joins audio files with ffmpeg's concat demuxer,
// re-encoding into the container named by the output extension.
func ffmpegConcat(bin string) ConcatFunc {
	return func(ctx context.Context, inputs []string, output string) error {
		if len(inputs) == 0 {
			return fmt.Errorf("ffmpeg: no inputs")
		}

		listPath := filepath.Join(filepath.Dir(output), "concat.txt")
		var list strings.Builder
		for _, in := range inputs {
			fmt.Fprintf(&list, "file '%s'\n", escapeConcatPath(in))
		}
		if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
			return fmt.Errorf("ffmpeg: write concat list: %w", err)
		}

		cmd := exec.CommandContext(ctx, bin,
			"-hide_banner", "-loglevel", "error",
			"-f", "concat", "-safe", "0",
			"-i", listPath,
			"-y", output,
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// escapeConcatPath quotes single quotes for the concat demuxer's list
// format, where 'it''s.m4a' means it's.m4a.
func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", "'\\''")
}
