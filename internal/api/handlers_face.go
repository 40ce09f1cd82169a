package api

import (
	"encoding/base64"
	"net/http"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/face"
)

// Face utility endpoints: thin wrappers over the analyzer for operator
// tooling and integration smoke tests. They never touch the store.

type imageRequest struct {
	Image  string `json:"image"` // base64
	Format string `json:"format"`
}

func (s *Server) decodeImage(w http.ResponseWriter, r *http.Request, req *imageRequest) ([]byte, bool) {
	if !decodeBody(w, r, req) {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "image is not valid base64")
		return nil, false
	}
	if int64(len(data)) > s.maxPhoto {
		writeError(w, http.StatusBadRequest, core.ErrTooLarge, "image exceeds the maximum size")
		return nil, false
	}
	return data, true
}

func writeFaceError(w http.ResponseWriter, err error) {
	if code, ok := face.RejectionCode(err); ok {
		writeError(w, http.StatusUnprocessableEntity, code, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, core.ErrProcessingFailed, err.Error())
}

func (s *Server) handleFaceDetect(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	data, ok := s.decodeImage(w, r, &req)
	if !ok {
		return
	}

	det, err := s.deps.Analyzer.Detect(r.Context(), data, normalizeFormat(req.Format))
	if err != nil {
		writeFaceError(w, err)
		return
	}
	quality, err := s.deps.Analyzer.Assess(r.Context(), data, det.Box)
	if err != nil {
		writeFaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"box":        det.Box,
		"confidence": det.Confidence,
		"quality":    quality,
	})
}

func (s *Server) handleFaceEmbed(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	data, ok := s.decodeImage(w, r, &req)
	if !ok {
		return
	}

	det, err := s.deps.Analyzer.Detect(r.Context(), data, normalizeFormat(req.Format))
	if err != nil {
		writeFaceError(w, err)
		return
	}
	vector, err := s.deps.Analyzer.Embed(r.Context(), det.FaceTensor)
	if err != nil {
		writeFaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"embedding":     vector,
		"dim":           len(vector),
		"model_version": s.deps.Analyzer.ModelVersion(),
	})
}

func (s *Server) handleFaceCompare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		A []float32 `json:"a"`
		B []float32 `json:"b"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.A) != core.EmbeddingDim || len(body.B) != core.EmbeddingDim {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "both vectors must have 512 dimensions")
		return
	}

	score := face.Cosine(body.A, body.B)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"similarity": score,
		"band":       s.deps.Dedup.BandFor(score),
		"threshold":  s.deps.Dedup.Threshold(),
	})
}

func (s *Server) handleFaceCompareImages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		A imageRequest `json:"a"`
		B imageRequest `json:"b"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	embed := func(req imageRequest) ([]float32, error) {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, err
		}
		det, err := s.deps.Analyzer.Detect(r.Context(), data, normalizeFormat(req.Format))
		if err != nil {
			return nil, err
		}
		return s.deps.Analyzer.Embed(r.Context(), det.FaceTensor)
	}

	va, err := embed(body.A)
	if err != nil {
		writeFaceError(w, err)
		return
	}
	vb, err := embed(body.B)
	if err != nil {
		writeFaceError(w, err)
		return
	}

	score := face.Cosine(va, vb)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"similarity": score,
		"band":       s.deps.Dedup.BandFor(score),
		"threshold":  s.deps.Dedup.Threshold(),
	})
}
