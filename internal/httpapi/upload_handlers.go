package httpapi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
)

// handleUpload accepts one multipart file, stores the bytes on disk
// under an opaque id, and returns the metadata row. Messages reference
// the id in their attachments list.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := int64(a.settings.GetInt(r.Context(), settings.KeyMaxFileSize))
	if maxSize > 0 {
		// Slack for the multipart framing around the payload.
		r.Body = http.MaxBytesReader(w, r.Body, maxSize+64*1024)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
			return
		}
		writeErr(w, http.StatusBadRequest, "multipart field 'file' required")
		return
	}
	defer file.Close()
	if maxSize > 0 && header.Size > maxSize {
		writeErr(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
		return
	}

	if err := os.MkdirAll(a.uploads, 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	id := uuid.NewString()
	dst := filepath.Join(a.uploads, id)
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, err := io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	up := &store.Upload{
		ID:          id,
		UserID:      store.UserIDFromContext(r.Context()),
		Name:        filepath.Base(header.Filename),
		ContentType: contentType,
		Size:        n,
		Path:        dst,
	}
	if err := a.stores.Uploads.Insert(r.Context(), up); err != nil {
		os.Remove(dst)
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("file uploaded", "id", id, "name", up.Name, "size", n)
	writeOK(w, http.StatusCreated, up)
}

// handleDownload streams a stored upload. Ids are unguessable uuids;
// any authenticated user holding one may fetch it, since attachments
// circulate across room members.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	up, err := a.stores.Uploads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "upload not found")
		} else {
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	f, err := os.Open(up.Path)
	if err != nil {
		// Metadata survived an orphan sweep of the bytes.
		writeErr(w, http.StatusNotFound, "upload content gone")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", up.ContentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+up.Name+`"`)
	http.ServeContent(w, r, up.Name, up.CreatedAt, f)
}
