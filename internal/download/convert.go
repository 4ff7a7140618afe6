package download

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"vkaudio/internal/core"
)

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// FFmpegConverter transcodes transport streams to MP3 with an ffmpeg binary.
type FFmpegConverter struct {
	binary string
	logger *zap.Logger
}

// NewFFmpegConverter creates a converter. An empty binary means "ffmpeg" on
// PATH.
func NewFFmpegConverter(binary string, logger *zap.Logger) *FFmpegConverter {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegConverter{binary: binary, logger: logger}
}

// Available reports whether the ffmpeg binary can be found.
func (c *FFmpegConverter) Available() bool {
	_, err := lookPath(c.binary)
	return err == nil
}

// Convert writes src as MP3 to dst, overwriting dst. LAME is tried first,
// then ffmpeg's built-in MP3 encoder.
func (c *FFmpegConverter) Convert(ctx context.Context, src, dst string) error {
	binary, err := lookPath(c.binary)
	if err != nil {
		return fmt.Errorf("%w: ffmpeg is required to convert HLS streams to mp3 (%s not found)",
			core.ErrMissingCapability, c.binary)
	}

	attempts := [][]string{
		{"-y", "-i", src, "-vn", "-c:a", "libmp3lame", "-q:a", "2", dst},
		{"-y", "-i", src, "-vn", "-c:a", "mp3", dst},
	}

	var lastOutput string
	for i, args := range attempts {
		cmd := commandContext(ctx, binary, args...) //nolint:gosec
		output, runErr := cmd.CombinedOutput()
		if runErr == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastOutput = strings.TrimSpace(string(output))
		if lastOutput == "" {
			lastOutput = runErr.Error()
		}
		if i < len(attempts)-1 {
			c.logger.Debug("ffmpeg encoder failed, trying fallback",
				zap.String("encoder", args[5]),
				zap.String("output", lastLine(lastOutput)))
		}
	}

	return errors.New("ffmpeg conversion failed: " + lastLine(lastOutput))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	if s == "" {
		return "unknown ffmpeg error"
	}
	return s
}
