package sink

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/internal/processutil"
)

const encoderProbeTimeout = 5 * time.Second

const (
	CodecFFV1     = "ffv1"
	CodecX264     = "libx264"
	CodecRawVideo = "rawvideo"
)

type encoderPlan struct {
	codec     string
	lossless  bool
	codecArgs []string
}

func planFor(codec string) (encoderPlan, bool) {
	switch codec {
	case CodecFFV1:
		return encoderPlan{
			codec:     CodecFFV1,
			lossless:  true,
			codecArgs: []string{"-c:v", "ffv1", "-level", "3", "-pix_fmt", "gray"},
		}, true
	case CodecX264:
		return encoderPlan{
			codec: CodecX264,
			codecArgs: []string{
				"-c:v", "libx264",
				"-preset", "ultrafast",
				"-tune", "zerolatency",
				"-crf", "18",
				"-pix_fmt", "yuv420p",
			},
		}, true
	case CodecRawVideo:
		return encoderPlan{
			codec:     CodecRawVideo,
			lossless:  true,
			codecArgs: []string{"-c:v", "rawvideo", "-pix_fmt", "gray"},
		}, true
	default:
		return encoderPlan{}, false
	}
}

// selectEncoder returns the plan for codec when ffmpeg lists it, otherwise
// the first available fallback. rawvideo is built into every ffmpeg.
func selectEncoder(ffmpegPath, codec string, log zerolog.Logger) (encoderPlan, error) {
	want, ok := planFor(codec)
	if !ok {
		return encoderPlan{}, fmt.Errorf("unknown codec %q", codec)
	}

	available, err := ffmpegEncoderSet(ffmpegPath)
	if err != nil {
		log.Debug().Err(err).Msg("encoder probe failed, using requested codec")
		return want, nil
	}

	for _, name := range []string{codec, CodecFFV1, CodecRawVideo} {
		if _, ok := available[name]; !ok {
			log.Debug().Str("encoder", name).Msg("encoder not in ffmpeg encoder list")
			continue
		}
		plan, _ := planFor(name)
		if name != codec {
			log.Warn().Str("requested", codec).Str("encoder", name).Msg("requested encoder unavailable, falling back")
		}
		return plan, nil
	}
	log.Warn().Str("requested", codec).Msg("no listed encoder matched, using requested codec")
	return want, nil
}

func ffmpegEncoderSet(ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.HideConsoleWindow(cmd)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoders(string(out)), nil
}

// parseEncoders reads "ffmpeg -encoders" output, where each entry is a flag
// column followed by the encoder name.
func parseEncoders(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], "V") {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

// ffmpegArgs builds the command line reading gray8 rawvideo from stdin.
func ffmpegArgs(plan encoderPlan, width, height, fps int, output string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-an",
	}
	args = append(args, plan.codecArgs...)
	return append(args, output)
}

func tailString(input string, max int) string {
	if input == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[len(input)-max:]
}
