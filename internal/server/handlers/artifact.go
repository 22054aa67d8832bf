package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Artifact streams the finished artifact for a job. Under the single
// retrieval policy the first successful request claims the artifact;
// later requests see 404. The open handle keeps the bytes flowing even
// if the sweeper reclaims the scratch directory mid-transfer.
func (h *JobsHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	handle, err := svc.OpenArtifact(jobIDParam(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer handle.File.Close()

	filename := handle.Job.Artifact.Filename
	h.logger.Info("artifact retrieval",
		zap.String("job_id", handle.Job.JobID),
		zap.String("filename", filename),
		zap.Int64("size", handle.Info.Size()))

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeContent(w, r, filename, handle.Info.ModTime(), handle.File)
}
