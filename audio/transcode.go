package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"breathing-analysis/utils"
)

// CheckFFmpegAvailable reports whether the ffmpeg binary is on PATH.
func CheckFFmpegAvailable() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return nil
}

// FFmpegTranscoder converts uploads to 16-bit PCM WAV with ffmpeg. Both the
// input and the output go through temp files so containers that need
// seeking (mp4/m4a) work and the WAV header carries real chunk sizes.
type FFmpegTranscoder struct {
	TmpDir string
}

func NewFFmpegTranscoder(tmpDir string) *FFmpegTranscoder {
	return &FFmpegTranscoder{TmpDir: tmpDir}
}

func (t *FFmpegTranscoder) ToWAV(ctx context.Context, data []byte, contentType string) ([]byte, error) {
	dir := t.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := utils.CreateFolder(dir); err != nil {
		return nil, fmt.Errorf("unable to create tmp folder: %w", err)
	}

	in, err := os.CreateTemp(dir, "upload-*"+extensionFor(contentType))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp input: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to write temp input: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp input: %w", err)
	}

	outPath := strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".converted.wav"
	defer os.Remove(outPath)

	compiled := ffmpeg.Input(inPath).
		Output(outPath, ffmpeg.KwArgs{"f": "wav", "acodec": "pcm_s16le"}).
		OverWriteOutput().
		Compile()

	// Re-create the command so the request context can kill ffmpeg.
	cmd := exec.CommandContext(ctx, compiled.Path, compiled.Args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if idx := strings.LastIndex(msg, "\n"); idx >= 0 {
			msg = msg[idx+1:]
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ffmpeg output: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return out, nil
}

var contentTypeExtensions = map[string]string{
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/wave":      ".wav",
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/mp4":       ".m4a",
	"audio/m4a":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/aac":       ".aac",
	"audio/ogg":       ".ogg",
	"audio/opus":      ".opus",
	"audio/webm":      ".webm",
	"video/webm":      ".webm",
	"audio/flac":      ".flac",
	"audio/x-flac":    ".flac",
	"audio/3gpp":      ".3gp",
	"audio/amr":       ".amr",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
}

// extensionFor maps a declared content type to a file extension so ffmpeg
// can guess the container. Unknown types get no extension.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	return contentTypeExtensions[mediaType]
}
