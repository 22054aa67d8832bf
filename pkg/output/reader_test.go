package output

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Lifecycle(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "ytdlp")
	ctx := context.Background()

	require.NoError(t, w.WriteJob(ctx, &JobRecord{URL: "https://example.com/v", Kind: "video"}))
	require.NoError(t, w.WriteProgress(ctx, &ProgressRecord{State: "running", Fraction: 0.4, Stage: "downloading"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{State: "succeeded", Filename: "a.mp4", Size: 9}))

	d := NewReader(&buf)

	rec, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeJob, rec.Type)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, "ytdlp", rec.Engine)
	job, err := rec.JobData()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v", job.URL)

	rec, err = d.Next()
	require.NoError(t, err)
	prog, err := rec.ProgressData()
	require.NoError(t, err)
	assert.Equal(t, 0.4, prog.Fraction)
	assert.Equal(t, "downloading", prog.Stage)

	rec, err = d.Next()
	require.NoError(t, err)
	sum, err := rec.SummaryData()
	require.NoError(t, err)
	assert.Equal(t, "succeeded", sum.State)
	assert.Equal(t, "a.mp4", sum.Filename)

	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_ReadAll(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-2", "ytdlp")
	ctx := context.Background()

	require.NoError(t, w.WriteJob(ctx, &JobRecord{URL: "https://example.com/v", Kind: "audio"}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: "network", Message: "connection reset"}))

	recs, err := NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	errRec, err := recs[1].ErrorData()
	require.NoError(t, err)
	assert.Equal(t, "network", errRec.Code)
}

func TestReader_TypeMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-3", "ytdlp")
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{URL: "u", Kind: "video"}))

	rec, err := NewReader(&buf).Next()
	require.NoError(t, err)

	_, err = rec.SummaryData()
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeJob)
}

func TestReader_MalformedLine(t *testing.T) {
	d := NewReader(strings.NewReader("{not json}\n"))
	_, err := d.Next()
	require.Error(t, err)
}

func TestReader_MaxLineBytes(t *testing.T) {
	line := `{"type":"gofetch.job.v1","data":{"url":"` + strings.Repeat("x", 256) + `"}}` + "\n"
	d := NewReader(strings.NewReader(line))
	d.SetMaxLineBytes(64)

	_, err := d.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max bytes")
}

func TestReader_BlankLineEndsStream(t *testing.T) {
	d := NewReader(strings.NewReader("\n"))
	_, err := d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_LastLineWithoutNewline(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-4", "ytdlp")
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{URL: "u", Kind: "video"}))

	trimmed := strings.TrimSuffix(buf.String(), "\n")
	d := NewReader(strings.NewReader(trimmed))

	rec, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeJob, rec.Type)

	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)
}
