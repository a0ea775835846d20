package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"pairchat/internal/chat"
	"pairchat/internal/chatkey"
	"pairchat/internal/filestore"
	"pairchat/internal/media"
	"pairchat/internal/models"
)

// Multipart framing on top of the file itself.
const multipartOverhead = 1 << 20

func uploadStatus(cause media.Cause) int {
	switch cause {
	case media.CauseUnauthorized:
		return http.StatusForbidden
	case media.CauseQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case media.CauseInvalidFormat:
		return http.StatusUnsupportedMediaType
	case media.CauseCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type UploadResponse struct {
	Success bool           `json:"success"`
	Message models.Message `json:"message"`
	Warning string         `json:"warning,omitempty"`
}

// UploadHandler streams the "file" part of a multipart body into the blob
// store and sends it to the partner as a media message. Progress goes to
// the caller's websocket connections under the uploadId query parameter.
// The size query parameter carries the file size the browser reported.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	self := userID(r)
	partnerID := r.PathValue("partnerID")
	uploadID := r.URL.Query().Get("uploadId")

	r.Body = http.MaxBytesReader(w, r.Body, a.media.MaxBytes()+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart upload")
		return
	}

	var part io.ReadCloser
	var file media.File
	for {
		p, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Missing file part")
			return
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, (&media.UploadError{Cause: media.CauseQuotaExceeded}).Message())
				return
			}
			writeError(w, http.StatusBadRequest, "Malformed multipart body")
			return
		}
		if p.FormName() != "file" {
			_ = p.Close()
			continue
		}
		part = p
		file = media.File{
			Name:        p.FileName(),
			ContentType: p.Header.Get("Content-Type"),
			Reader:      p,
		}
		break
	}
	defer func() { _ = part.Close() }()

	file.Size, _ = strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if file.Size <= 0 {
		file.Size = r.ContentLength
	}

	ref, err := a.media.Upload(ctx, file, self, partnerID, func(p float64) {
		if uploadID != "" {
			a.hub.UploadProgress(self, uploadID, p)
		}
	})
	if err != nil {
		var uerr *media.UploadError
		if errors.As(err, &uerr) {
			slog.Warn("upload rejected", "user_id", self, "cause", uerr.Cause, "error", uerr.Err)
			writeError(w, uploadStatus(uerr.Cause), uerr.Message())
			return
		}
		writeServiceError(w, err)
		return
	}

	done := a.hub.BeginSend(self)
	defer done()

	msg, err := a.chat.Append(ctx, self, partnerID, models.MediaBody{Ref: ref})
	resp := UploadResponse{Success: true, Message: msg}
	switch {
	case errors.Is(err, chat.ErrLedgerNotUpdated):
		resp.Warning = "Message sent, conversation list may be out of date"
	case err != nil:
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// FileHandler serves an uploaded blob to the participants of the
// conversation it was uploaded to.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	blobPath, err := filestore.CleanPath(r.PathValue("path"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	parts := strings.SplitN(blobPath, "/", 3)
	if len(parts) != 3 || parts[0] != "conversations" {
		http.NotFound(w, r)
		return
	}
	if !chatkey.Contains(parts[1], userID(r)) {
		writeError(w, http.StatusForbidden, "Permission denied")
		return
	}

	meta, err := a.metadata.GetFileMetadata(ctx, blobPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeServiceError(w, err)
		return
	}

	f, err := a.files.Open(blobPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeServiceError(w, fmt.Errorf("failed to open %s: %w", blobPath, err))
		return
	}
	defer func() { _ = f.Close() }()

	disposition := "attachment"
	if meta.Kind == string(models.MessageKindImage) || meta.Kind == string(models.MessageKindVideo) {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": meta.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		slog.Warn("failed to stream file", "path", blobPath, "error", err)
	}
}
