package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		quality string
		want    OutputSpec
		wantErr bool
	}{
		{"defaults", "", "", OutputSpec{Kind: KindVideo, Quality: "best"}, false},
		{"audio", "audio", "", OutputSpec{Kind: KindAudio, Quality: "best"}, false},
		{"video 1080p", "video", "1080p", OutputSpec{Kind: KindVideo, Quality: "1080p"}, false},
		{"case and space", " Video ", "720P", OutputSpec{Kind: KindVideo, Quality: "720p"}, false},
		{"audio ignores quality", "audio", "weird", OutputSpec{Kind: KindAudio, Quality: "weird"}, false},
		{"bad kind", "gif", "", OutputSpec{}, true},
		{"bad quality", "video", "333p", OutputSpec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.kind, tt.quality)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSelector(t *testing.T) {
	tests := []struct {
		spec OutputSpec
		want string
	}{
		{OutputSpec{Kind: KindAudio}, "bestaudio/best"},
		{OutputSpec{Kind: KindVideo, Quality: "best"}, "bestvideo[height<=2160]+bestaudio/best"},
		{OutputSpec{Kind: KindVideo, Quality: "1080p"}, "bestvideo[height<=1080]+bestaudio/best"},
		{OutputSpec{Kind: KindVideo, Quality: "720p"}, "bestvideo[height<=720]+bestaudio/best"},
		{OutputSpec{Kind: KindVideo, Quality: "bogus"}, "bestvideo[height<=2160]+bestaudio/best"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.spec.FormatSelector())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"unsupported url", "ERROR: Unsupported URL: https://example.com", ErrUnsupported},
		{"unable to extract", "ERROR: unable to extract video data", ErrUnsupported},
		{"private", "ERROR: Private video. Sign in if you've been granted access", ErrUnsupported},
		{"format unavailable", "ERROR: Requested format is not available", ErrUnsupported},
		{"http error", "ERROR: Unable to download webpage: HTTP Error 503", ErrNetwork},
		{"dns", "ERROR: Temporary failure in name resolution", ErrNetwork},
		{"reset", "error: connection reset by peer", ErrNetwork},
		{"ffmpeg", "ERROR: Postprocessing: ffmpeg exited with code 1", ErrTranscode},
		{"audio conversion", "ERROR: audio conversion failed", ErrTranscode},
		{"enospc", "OSError: No space left on device", ErrDisk},
		{"permission", "PermissionError: Permission denied: '/tmp/x'", ErrDisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(errors.New(tt.msg))
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyUnknownPassesThrough(t *testing.T) {
	raw := errors.New("something nobody anticipated")
	got := classify(raw)
	assert.Equal(t, raw, got)
	assert.False(t, IsUnsupported(got))
	assert.False(t, IsNetwork(got))
	assert.False(t, IsTranscode(got))
	assert.False(t, IsDisk(got))
}

func TestWrapRunError(t *testing.T) {
	err := wrapRunError("Run", "https://example.com/v", errors.New("ERROR: Unsupported URL"))

	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "Run", engErr.Op)
	assert.Equal(t, "https://example.com/v", engErr.URL)
	assert.True(t, IsUnsupported(err))
	assert.Contains(t, err.Error(), "https://example.com/v")
}

func TestResolveArtifactScansDir(t *testing.T) {
	dir := t.TempDir()

	// Partial and empty files are skipped; the largest finished file wins.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4.part"), []byte("xxxx"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.mp4"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.mp4"), []byte("ab"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("abcdef"), 0o644))

	res, err := resolveArtifact(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", res.Filename)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), res.ArtifactPath)
	assert.Equal(t, int64(6), res.Size)
}

func TestResolveArtifactEmptyDir(t *testing.T) {
	dir := t.TempDir()

	_, err := resolveArtifact(dir, nil)
	require.Error(t, err)
	assert.True(t, IsDisk(err))
}

func TestIsPartialName(t *testing.T) {
	assert.True(t, isPartialName("video.mp4.part"))
	assert.True(t, isPartialName("video.ytdl"))
	assert.True(t, isPartialName("x.tmp"))
	assert.False(t, isPartialName("video.mp4"))
	assert.False(t, isPartialName("song.mp3"))
}

func TestHandlePushCoalesces(t *testing.T) {
	h := &ytdlpHandle{
		updates: make(chan Update, 2),
		done:    make(chan struct{}),
		cancel:  func() {},
	}

	h.push(Update{Fraction: 0.1})
	h.push(Update{Fraction: 0.2})
	// Buffer full: 0.1 is dropped in favor of 0.3.
	h.push(Update{Fraction: 0.3})

	h.finish(Result{Filename: "a.mp4"}, nil)

	var got []float64
	for u := range h.Updates() {
		got = append(got, u.Fraction)
	}
	assert.Equal(t, []float64{0.2, 0.3}, got)

	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, "a.mp4", res.Filename)
}

func TestHandleFinishIdempotent(t *testing.T) {
	h := &ytdlpHandle{
		updates: make(chan Update, 1),
		done:    make(chan struct{}),
		cancel:  func() {},
	}

	h.finish(Result{}, errors.New("boom"))
	h.finish(Result{Filename: "late"}, nil)
	h.push(Update{Fraction: 0.5})

	_, err := h.Wait()
	require.Error(t, err)
}

func TestStartValidatesRequest(t *testing.T) {
	e := NewYTDLP(YTDLPConfig{})

	_, err := e.Start(context.Background(), Request{URL: "", Dir: t.TempDir()})
	require.Error(t, err)

	_, err = e.Start(context.Background(), Request{URL: "https://example.com/v", Dir: ""})
	require.Error(t, err)
}
