package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// handleUploadQuestions imports a JSON file of extracted questions, sent either as the
// questions_file field of a multipart form or as the raw request body with a
// ?source= name.
func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	var (
		source string
		data   []byte
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
			h.writeError(w, r, &model.InvalidRequestError{Detail: "file too large or malformed form"})
			return
		}
		file, header, ferr := r.FormFile("questions_file")
		if ferr != nil {
			h.writeError(w, r, &model.InvalidRequestError{Detail: "no file uploaded"})
			return
		}
		defer file.Close()
		source = header.Filename
		data, err = io.ReadAll(file)
	} else {
		source = r.URL.Query().Get("source")
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		h.writeError(w, r, &model.InvalidRequestError{Detail: "failed to read upload: " + err.Error()})
		return
	}
	if strings.TrimSpace(source) == "" {
		h.writeError(w, r, &model.InvalidRequestError{Detail: "source name is required"})
		return
	}

	res, err := h.importer.Import(r.Context(), "upload:"+source, data)
	if err != nil {
		slog.Error("failed to import uploaded questions", "source", source, "error", err)
		h.writeError(w, r, err)
		return
	}
	slog.Info("uploaded questions", "source", source, "count", res.Imported, "skipped", res.Skipped)

	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
