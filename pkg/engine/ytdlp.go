package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// outputTemplate confines titles to a sane length and keys the file to
// the media ID so distinct sources never collide inside a scratch dir.
const outputTemplate = "%(title).200s-%(id)s.%(ext)s"

// updateBuffer bounds the per-run progress channel. Under backpressure
// the oldest pending update is dropped in favor of the newest.
const updateBuffer = 64

// YTDLPConfig configures the yt-dlp backed engine.
type YTDLPConfig struct {
	// ExecutablePath overrides the yt-dlp binary location. Empty uses
	// the library's own resolution (PATH lookup).
	ExecutablePath string

	// ProgressInterval is how often progress callbacks fire.
	// Zero uses 500ms.
	ProgressInterval time.Duration
}

// YTDLP runs fetches through the yt-dlp binary via go-ytdlp.
type YTDLP struct {
	cfg YTDLPConfig
}

var _ Engine = (*YTDLP)(nil)

// NewYTDLP creates the yt-dlp engine.
func NewYTDLP(cfg YTDLPConfig) *YTDLP {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	return &YTDLP{cfg: cfg}
}

// Start begins one fetch run. The returned handle's Updates channel
// closes when the run finishes; Wait reports the outcome.
func (e *YTDLP) Start(ctx context.Context, req Request) (Handle, error) {
	if req.URL == "" {
		return nil, &EngineError{Op: "Start", Err: fmt.Errorf("url is required")}
	}
	if req.Dir == "" {
		return nil, &EngineError{Op: "Start", URL: req.URL, Err: fmt.Errorf("scratch dir is required")}
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return nil, &EngineError{Op: "Start", URL: req.URL, Err: fmt.Errorf("%w: %v", ErrDisk, err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &ytdlpHandle{
		updates: make(chan Update, updateBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Format(req.Spec.FormatSelector()).
		Paths(req.Dir).
		Output(outputTemplate)

	if req.Spec.Kind == KindAudio {
		dl = dl.ExtractAudio().AudioFormat("mp3")
	}
	if e.cfg.ExecutablePath != "" {
		dl = dl.SetExecutable(e.cfg.ExecutablePath)
	}

	dl.ProgressFunc(e.cfg.ProgressInterval, func(update ytdlp.ProgressUpdate) {
		h.push(progressToUpdate(update))
	})

	go func() {
		result, err := dl.Run(runCtx, req.URL)
		if err != nil {
			if runCtx.Err() != nil {
				h.finish(Result{}, runCtx.Err())
				return
			}
			h.finish(Result{}, wrapRunError("Run", req.URL, err))
			return
		}
		res, err := resolveArtifact(req.Dir, result)
		if err != nil {
			h.finish(Result{}, &EngineError{Op: "Resolve", URL: req.URL, Err: err})
			return
		}
		h.finish(res, nil)
	}()

	return h, nil
}

// progressToUpdate maps a yt-dlp callback payload onto our Update.
func progressToUpdate(update ytdlp.ProgressUpdate) Update {
	u := Update{
		Stage:           string(update.Status),
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}
	if update.TotalBytes > 0 {
		u.Fraction = float64(update.DownloadedBytes) / float64(update.TotalBytes)
	}
	return u
}

// resolveArtifact locates the produced file inside the scratch dir.
//
// The extracted-info filename is preferred, but post-processors rename
// files (audio extraction swaps the extension), so fall back to scanning
// the dir for the largest finished file.
func resolveArtifact(dir string, result *ytdlp.Result) (Result, error) {
	if result != nil {
		if info, err := result.GetExtractedInfo(); err == nil {
			for _, i := range info {
				if i == nil || i.Filename == nil || *i.Filename == "" {
					continue
				}
				if fi, err := os.Stat(*i.Filename); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
					return Result{
						ArtifactPath: *i.Filename,
						Filename:     filepath.Base(*i.Filename),
						Size:         fi.Size(),
					}, nil
				}
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read scratch dir: %v", ErrDisk, err)
	}

	var best Result
	for _, entry := range entries {
		if entry.IsDir() || isPartialName(entry.Name()) {
			continue
		}
		fi, err := entry.Info()
		if err != nil || fi.Size() == 0 {
			continue
		}
		if fi.Size() > best.Size {
			best = Result{
				ArtifactPath: filepath.Join(dir, entry.Name()),
				Filename:     entry.Name(),
				Size:         fi.Size(),
			}
		}
	}
	if best.ArtifactPath == "" {
		return Result{}, fmt.Errorf("%w: no artifact produced", ErrDisk)
	}
	return best, nil
}

// isPartialName reports whether a filename looks like an in-flight
// yt-dlp temp file rather than a finished artifact.
func isPartialName(name string) bool {
	switch {
	case strings.HasSuffix(name, ".part"),
		strings.HasSuffix(name, ".ytdl"),
		strings.HasSuffix(name, ".temp"),
		strings.HasSuffix(name, ".tmp"):
		return true
	}
	return false
}

// ytdlpHandle implements Handle for one yt-dlp run.
type ytdlpHandle struct {
	updates chan Update
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	res    Result
	err    error
}

func (h *ytdlpHandle) Updates() <-chan Update {
	return h.updates
}

func (h *ytdlpHandle) Wait() (Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, h.err
}

func (h *ytdlpHandle) Cancel() {
	h.cancel()
}

// push delivers an update without ever blocking the progress callback.
// Under backpressure the oldest pending update is dropped in favor of
// the newest. The mutex also fences push against finish closing the
// channel: progress callbacks can race Run returning.
func (h *ytdlpHandle) push(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	select {
	case h.updates <- u:
	default:
		select {
		case <-h.updates:
		default:
		}
		select {
		case h.updates <- u:
		default:
		}
	}
}

func (h *ytdlpHandle) finish(res Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.res = res
	h.err = err
	close(h.updates)
	close(h.done)
	h.cancel()
}
