package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/wa"
)

const (
	DefaultFFmpeg = "ffmpeg"

	stickerSize = 512
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg transcodes voice notes and encodes stickers by shelling out to the
// ffmpeg binary.
type FFmpeg struct {
	Binary string
	// Fetcher resolves remote sticker sources; nil allows local paths only.
	Fetcher *Fetcher
	// TempDir receives intermediate sticker files.
	TempDir string

	run runFunc
}

func NewFFmpeg(binary string, fetcher *Fetcher) *FFmpeg {
	if binary == "" {
		binary = DefaultFFmpeg
	}
	tmp := DefaultTempDir
	if fetcher != nil {
		tmp = fetcher.Dir()
	}
	return &FFmpeg{Binary: binary, Fetcher: fetcher, TempDir: tmp, run: execRun}
}

// Transcode converts input into an Ogg Opus voice note next to it and
// returns the new path.
func (f *FFmpeg) Transcode(ctx context.Context, input string) (string, error) {
	output := voiceNotePath(input)
	args := []string{
		"-y", "-i", input,
		"-vn",
		"-c:a", "libopus",
		"-b:a", "128k",
		"-f", "opus",
		output,
	}
	if out, err := f.run(ctx, f.Binary, args...); err != nil {
		return "", fmt.Errorf("ffmpeg transcode: %w: %s", err, tail(out))
	}
	logger.DebugCF("media", "Audio transcoded", map[string]interface{}{
		"input":  input,
		"output": output,
	})
	return output, nil
}

func voiceNotePath(input string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	if strings.EqualFold(filepath.Ext(input), ".opus") {
		return base + ".voice.opus"
	}
	return base + ".opus"
}

// Encode converts an image source into a 512x512 webp sticker. Crop fills
// the square; otherwise the image is padded with transparency.
func (f *FFmpeg) Encode(ctx context.Context, source string, opts wa.StickerOptions) ([]byte, error) {
	input := source
	if f.Fetcher != nil {
		local, err := f.Fetcher.Fetch(ctx, source)
		if err != nil {
			return nil, err
		}
		input = local
	}

	if err := os.MkdirAll(f.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	output := filepath.Join(f.TempDir, "sticker_"+uuid.NewString()+".webp")
	defer os.Remove(output)

	args := []string{
		"-y", "-i", input,
		"-vf", stickerFilter(opts.Crop),
		"-c:v", "libwebp",
		"-lossless", "0",
		"-q:v", strconv.Itoa(opts.Quality),
		"-loop", "0",
		"-an",
		"-f", "webp",
		output,
	}
	if out, err := f.run(ctx, f.Binary, args...); err != nil {
		return nil, fmt.Errorf("ffmpeg sticker: %w: %s", err, tail(out))
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read sticker: %w", err)
	}
	if opts.Pack != "" || opts.Author != "" {
		logger.DebugCF("media", "Sticker metadata is not embedded", map[string]interface{}{
			"pack":   opts.Pack,
			"author": opts.Author,
		})
	}
	return data, nil
}

func stickerFilter(crop bool) string {
	if crop {
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", stickerSize, stickerSize, stickerSize, stickerSize)
	}
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:-1:-1:color=0x00000000", stickerSize, stickerSize, stickerSize, stickerSize)
}

// tail keeps the end of ffmpeg's output, where the actual error is.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
