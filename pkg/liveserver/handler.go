package liveserver

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/transport"
	"github.com/livemorph/livemorph/pkg/upload"
)

// handleCall serves the POST call endpoint. Malformed requests get plain
// HTTP statuses; application failures ride inside a 200 envelope.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(transport.HeaderMarker) != transport.HeaderMarkerValue {
		http.Error(w, "not a protocol call", http.StatusBadRequest)
		return
	}
	if s.cfg.VerifyCSRF != nil && !s.cfg.VerifyCSRF(r) {
		http.Error(w, "invalid CSRF token", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	req, files, err := s.decodeCall(r)
	if err != nil {
		s.logger.Warn("malformed call", "error", err)
		http.Error(w, "malformed call", http.StatusBadRequest)
		return
	}
	defer closeFiles(files)

	ctx, span := s.tracer.Start(r.Context(), "livemorph.handle_call", trace.WithAttributes(
		attribute.String("livemorph.component", req.Call.Component),
		attribute.String("livemorph.method", req.Call.Method),
	))
	defer span.End()

	result, err := s.backend.Call(ctx, req, files)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrStaleComponent) {
			w.WriteHeader(s.cfg.StaleStatus)
			return
		}
		s.logger.Error("backend call failed", "component", req.Call.Component, "method", req.Call.Method, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if result.Download != nil {
		d := result.Download
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
		if d.ContentType != "" {
			w.Header().Set("Content-Type", d.ContentType)
		}
		w.Write(d.Content)
		return
	}

	data, err := protocol.EncodeResponse(result.Response)
	if err != nil {
		s.logger.Error("response encode failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// decodeCall parses the request body: plain JSON, or multipart with the
// envelope in its own field and attachments parked in the upload store.
func (s *Server) decodeCall(r *http.Request) (*protocol.Request, []*upload.File, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, err
		}
		req, err := protocol.DecodeRequest(raw)
		return req, nil, err
	}

	if s.cfg.Uploads == nil {
		return nil, nil, errors.New("liveserver: multipart call without an upload store")
	}
	if err := r.ParseMultipartForm(s.cfg.MaxBodySize); err != nil {
		return nil, nil, err
	}

	envelope := r.FormValue(transport.EnvelopeField)
	if envelope == "" {
		return nil, nil, errors.New("liveserver: multipart call without envelope field")
	}
	req, err := protocol.DecodeRequest([]byte(envelope))
	if err != nil {
		return nil, nil, err
	}

	var files []*upload.File
	for field, headers := range r.MultipartForm.File {
		for _, header := range headers {
			part, err := header.Open()
			if err != nil {
				closeFiles(files)
				return nil, nil, err
			}
			id, err := s.cfg.Uploads.Save(r.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, part)
			part.Close()
			if err != nil {
				closeFiles(files)
				return nil, nil, err
			}
			f, err := s.cfg.Uploads.Claim(r.Context(), id)
			if err != nil {
				closeFiles(files)
				return nil, nil, err
			}
			s.logger.Debug("attachment parked", "field", field, "filename", f.Filename, "size", f.Size)
			files = append(files, f)
		}
	}
	return req, files, nil
}

func closeFiles(files []*upload.File) {
	for _, f := range files {
		f.Close()
	}
}
