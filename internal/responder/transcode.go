package responder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// speechExtensions are containers the transcription endpoint accepts as is.
var speechExtensions = map[string]bool{
	".flac": true, ".m4a": true, ".mp3": true, ".mp4": true, ".mpeg": true,
	".mpga": true, ".ogg": true, ".wav": true, ".webm": true,
}

// needsTranscode reports whether filename must be re-encoded before
// transcription.
func needsTranscode(filename string) bool {
	return !speechExtensions[strings.ToLower(filepath.Ext(filename))]
}

// FFmpeg re-encodes audio by piping it through the ffmpeg binary.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, Timeout: 60 * time.Second}
}

// ToSpeechWAV converts any ffmpeg-readable audio to mono 16 kHz PCM WAV.
func (f *FFmpeg) ToSpeechWAV(ctx context.Context, data []byte, filename string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1", "-ar", "16000",
		"-f", "wav", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s: %w: %s", filename, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg %s: empty output", filename)
	}
	return stdout.Bytes(), nil
}
