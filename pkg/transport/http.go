package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/livemorph/livemorph/pkg/protocol"
)

// Request headers identifying protocol calls.
const (
	// HeaderMarker marks a request as a protocol call.
	HeaderMarker      = "X-Livemorph"
	HeaderMarkerValue = "call"

	// HeaderCSRF carries the CSRF token.
	HeaderCSRF = "X-CSRF-Token"

	// HeaderPageURL carries the page's real browser URL, so server logic
	// can distinguish it from the call endpoint's own path.
	HeaderPageURL = "X-Livemorph-URL"

	// EnvelopeField is the multipart form field holding the JSON envelope
	// when binary files force multipart encoding.
	EnvelopeField = "envelope"
)

// DefaultStaleStatus is the HTTP status the server uses for "the referenced
// server object no longer exists".
const DefaultStaleStatus = http.StatusGone

// File is a binary payload attached to a call. Files cannot travel inside
// a JSON body, so their presence switches the request to multipart.
type File struct {
	Field       string
	Name        string
	ContentType string
	Content     []byte
}

// Download is a file attachment response, detected via Content-Disposition.
type Download struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Result is the outcome of a successful transport exchange: either a
// decoded response envelope or a file download, never both.
type Result struct {
	Envelope *protocol.Response
	Download *Download
}

// HTTPConfig configures the HTTP caller.
type HTTPConfig struct {
	// Endpoint is the component call endpoint URL.
	Endpoint string

	// CSRFToken is sent on every call.
	CSRFToken string

	// PageURL is the current full browser URL.
	PageURL string

	// StaleStatus is the status translated into ErrStaleComponent.
	// Default: 410.
	StaleStatus int

	// Client is the underlying HTTP client. Default: http.DefaultClient
	// with a 30s timeout.
	Client *http.Client

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultHTTPConfig returns an HTTPConfig with sensible defaults for the
// given endpoint.
func DefaultHTTPConfig(endpoint string) HTTPConfig {
	return HTTPConfig{
		Endpoint:    endpoint,
		StaleStatus: DefaultStaleStatus,
		Client:      &http.Client{Timeout: 30 * time.Second},
		Logger:      slog.Default(),
	}
}

// HTTPCaller sends call envelopes over HTTP POST.
type HTTPCaller struct {
	cfg HTTPConfig
}

// NewHTTPCaller creates a caller, filling config defaults.
func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.StaleStatus == 0 {
		cfg.StaleStatus = DefaultStaleStatus
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPCaller{cfg: cfg}
}

// Do transmits a request envelope and interprets the response. Errors:
// *NetworkError for transport failures with no response, ErrStaleComponent
// for the stale status, *StatusError for other non-200 statuses, and
// protocol errors for malformed envelopes.
func (c *HTTPCaller) Do(ctx context.Context, req *protocol.Request, files []File) (*Result, error) {
	body, contentType, err := c.encodeBody(req, files)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(HeaderMarker, HeaderMarkerValue)
	if c.cfg.CSRFToken != "" {
		httpReq.Header.Set(HeaderCSRF, c.cfg.CSRFToken)
	}
	if c.cfg.PageURL != "" {
		httpReq.Header.Set(HeaderPageURL, c.cfg.PageURL)
	}

	resp, err := c.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == c.cfg.StaleStatus {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrStaleComponent
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: raw}
	}

	// A file attachment response is a distinct shape, mutually exclusive
	// with the JSON envelope.
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if disposition, params, err := mime.ParseMediaType(cd); err == nil && disposition == "attachment" {
			return &Result{Download: &Download{
				Filename:    params["filename"],
				ContentType: resp.Header.Get("Content-Type"),
				Content:     raw,
			}}, nil
		}
	}

	envelope, err := protocol.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	return &Result{Envelope: envelope}, nil
}

// encodeBody renders the request as JSON, or multipart when files are
// attached.
func (c *HTTPCaller) encodeBody(req *protocol.Request, files []File) (io.Reader, string, error) {
	raw, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, "", err
	}

	if len(files) == 0 {
		return bytes.NewReader(raw), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(EnvelopeField, string(raw)); err != nil {
		return nil, "", err
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, f.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
