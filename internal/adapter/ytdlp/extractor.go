package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cwygoda/mediaq/internal/domain"
)

// ErrOutputNotFound is returned when yt-dlp succeeded but no file for the
// content key could be located afterwards.
var ErrOutputNotFound = errors.New("downloaded file not found")

const (
	DefaultBinary          = "yt-dlp"
	DefaultAudioFormat     = "mp3"
	DefaultAudioQuality    = "192"
	DefaultMetadataTimeout = 30 * time.Second

	// maxOutputTail bounds the tool output kept in error messages.
	maxOutputTail = 512
)

// Error reports a failed yt-dlp invocation.
type Error struct {
	Op     string
	Err    error
	Output string
}

func (e *Error) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("yt-dlp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("yt-dlp %s: %v: %s", e.Op, e.Err, e.Output)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures the Extractor. Zero values select the defaults.
type Options struct {
	Binary          string
	DownloadDir     string
	AudioFormat     string
	AudioQuality    string
	MetadataTimeout time.Duration
	// ExtraArgs are passed to every invocation before the URL.
	ExtraArgs []string
}

// Extractor implements domain.Extractor by running the yt-dlp binary.
type Extractor struct {
	opts Options
	log  *slog.Logger
}

var _ domain.Extractor = (*Extractor)(nil)

// New creates an Extractor writing finished files to opts.DownloadDir.
func New(opts Options, logger *slog.Logger) *Extractor {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = DefaultAudioFormat
	}
	if opts.AudioQuality == "" {
		opts.AudioQuality = DefaultAudioQuality
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = DefaultMetadataTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{opts: opts, log: logger}
}

// DownloadDir returns the directory finished files are moved into.
func (e *Extractor) DownloadDir() string {
	return e.opts.DownloadDir
}

type infoJSON struct {
	Title     string  `json:"title"`
	Uploader  string  `json:"uploader"`
	Channel   string  `json:"channel"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
}

// FetchMetadata reads title, author, duration and thumbnail without
// downloading the media.
func (e *Extractor) FetchMetadata(ctx context.Context, url string) (domain.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.MetadataTimeout)
	defer cancel()

	args := append([]string{"--dump-single-json", "--skip-download", "--no-warnings", "--no-playlist"}, e.opts.ExtraArgs...)
	args = append(args, url)

	cmd := exec.CommandContext(ctx, e.opts.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return domain.Metadata{}, &Error{Op: "metadata", Err: err, Output: tail(stderr.String())}
	}

	var info infoJSON
	if err := json.Unmarshal(out, &info); err != nil {
		return domain.Metadata{}, &Error{Op: "metadata", Err: fmt.Errorf("decode info: %w", err)}
	}

	author := info.Uploader
	if author == "" {
		author = info.Channel
	}
	return domain.Metadata{
		Title:           info.Title,
		AuthorName:      author,
		DurationSeconds: int(math.Round(info.Duration)),
		ThumbnailURL:    info.Thumbnail,
	}, nil
}

// FetchMedia downloads req into a private temp dir, then moves the result
// into the download directory and returns its path.
func (e *Extractor) FetchMedia(ctx context.Context, req domain.MediaRequest) (string, error) {
	tempDir, err := os.MkdirTemp("", "mediaq-"+safePrefix(req.ContentKey)+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	stem := domain.OutputStem(req.ContentKey, req.Title)
	args := e.mediaArgs(req.Kind, filepath.Join(tempDir, stem+".%(ext)s"))
	args = append(args, req.URL)

	log := e.log.With("content_key", req.ContentKey, "stage", "fetch_media")
	log.Debug("running yt-dlp", "kind", req.Kind, "dir", tempDir)

	cmd := exec.CommandContext(ctx, e.opts.Binary, args...)
	cmd.Dir = tempDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", &Error{Op: "download", Err: err, Output: tail(string(output))}
	}

	moved, err := moveFiles(tempDir, e.opts.DownloadDir)
	if err != nil {
		return "", fmt.Errorf("move files: %w", err)
	}
	log.Debug("moved files", "count", len(moved), "files", moved)

	ext := e.expectedExt(req.Kind)
	if name, ok := pickOutput(moved, stem, ext, req.ContentKey); ok {
		return filepath.Join(e.opts.DownloadDir, name), nil
	}
	return findOutput(e.opts.DownloadDir, stem+ext, req.ContentKey)
}

func (e *Extractor) mediaArgs(kind domain.MediaKind, outputTemplate string) []string {
	args := []string{"--no-playlist", "--no-warnings", "-o", outputTemplate}
	switch kind {
	case domain.MediaAudio:
		args = append(args,
			"-f", "bestaudio/best",
			"-x",
			"--audio-format", e.opts.AudioFormat,
			"--audio-quality", e.opts.AudioQuality,
		)
	default:
		args = append(args, "-f", "best")
	}
	return append(args, e.opts.ExtraArgs...)
}

// expectedExt is empty for video, whose container is chosen by yt-dlp.
func (e *Extractor) expectedExt(kind domain.MediaKind) string {
	if kind == domain.MediaAudio {
		return "." + e.opts.AudioFormat
	}
	return ""
}

// pickOutput chooses the artifact among the files produced by this run:
// the exact expected name, then any extension of stem, then any file of the
// content key.
func pickOutput(names []string, stem, ext, contentKey string) (string, bool) {
	var candidates []string
	for _, name := range names {
		if !isPartial(name) {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)

	if ext != "" {
		for _, name := range candidates {
			if name == stem+ext {
				return name, true
			}
		}
	}
	for _, prefix := range []string{stem + ".", contentKey + "_"} {
		for _, name := range candidates {
			if strings.HasPrefix(name, prefix) {
				return name, true
			}
		}
	}
	return "", false
}

// findOutput returns dir/name if it exists, else the first file in dir
// named "{contentKey}_...".
func findOutput(dir, name, contentKey string) (string, error) {
	if name != "" && filepath.Ext(name) != "" {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	prefix := contentKey + "_"
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || isPartial(entry.Name()) {
			continue
		}
		matches = append(matches, entry.Name())
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s in %s", ErrOutputNotFound, contentKey, dir)
	}
	sort.Strings(matches)
	return filepath.Join(dir, matches[0]), nil
}

// isPartial reports leftovers of an interrupted download.
func isPartial(name string) bool {
	return strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl")
}

// moveFiles moves regular files from src into dst, replacing existing ones.
func moveFiles(srcDir, dstDir string) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, err
	}

	var moved []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return moved, err
			}
			os.Remove(src)
		}
		moved = append(moved, entry.Name())
	}
	return moved, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func safePrefix(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == '*' {
			return '_'
		}
		return r
	}, key)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		return "..." + s[len(s)-maxOutputTail:]
	}
	return s
}
