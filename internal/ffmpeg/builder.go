package ffmpeg

import (
	"strconv"
	"time"
)

// evenDimensionsFilter rounds both dimensions down to a multiple of 2; libx264 with
// yuv420p rejects odd sizes, and concatenated sources may have any size.
const evenDimensionsFilter = "scale=trunc(iw/2)*2:trunc(ih/2)*2"

// CommandBuilder builds FFmpeg argument lists
type CommandBuilder struct {
	videoCodec string
	audioCodec string
}

// NewCommandBuilder creates a builder using the merge codec profile
func NewCommandBuilder(videoCodec, audioCodec string) *CommandBuilder {
	if videoCodec == "" {
		videoCodec = "libx264"
	}
	if audioCodec == "" {
		audioCodec = "aac"
	}
	return &CommandBuilder{
		videoCodec: videoCodec,
		audioCodec: audioCodec,
	}
}

// commonArgs precede every invocation. -n refuses to overwrite an existing output.
func commonArgs() []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-n",
	}
}

func progressArgs() []string {
	return []string{
		"-progress", "pipe:1",
		"-nostats",
	}
}

// BuildTrimArgs seeks on the input and keeps Duration of media.
// Codecs follow the output container, as with an unconfigured ffmpeg run.
func (b *CommandBuilder) BuildTrimArgs(spec TrimSpec) []string {
	args := commonArgs()
	args = append(args,
		"-ss", formatSeconds(spec.Start),
		"-i", spec.Input,
		"-t", formatSeconds(spec.Duration),
	)
	args = append(args, progressArgs()...)
	return append(args, spec.Output)
}

// BuildMergeArgs concatenates the manifest entries in order and re-encodes them
// to one codec profile with even output dimensions.
func (b *CommandBuilder) BuildMergeArgs(spec MergeSpec) []string {
	args := commonArgs()
	args = append(args,
		"-f", "concat",
		"-safe", "0",
		"-i", spec.Manifest,
	)
	args = append(args, progressArgs()...)
	args = append(args,
		"-c:v", b.videoCodec,
		"-c:a", b.audioCodec,
		"-vf", evenDimensionsFilter,
		"-movflags", "+faststart",
		spec.Output,
	)
	return args
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
