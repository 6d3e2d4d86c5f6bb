// Package server exposes the conversions over HTTP: an upload form at / and a
// multipart endpoint per conversion pair.
package server

import (
	"archive/zip"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dhcgn/mbox-to-eml/archive"
	"github.com/dhcgn/mbox-to-eml/convert"
	"github.com/dhcgn/mbox-to-eml/filter"
	"github.com/dhcgn/mbox-to-eml/mbox"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/runner"
)

// FormField is the multipart field carrying uploaded files.
const FormField = "file"

const shutdownTimeout = 10 * time.Second

//go:embed static/index.html
var indexHTML string

var indexTmpl = template.Must(template.New("index").Parse(indexHTML))

type Options struct {
	MaxUploadBytes int64
	Workers        int
	Filter         filter.Options
}

// Conversion describes one supported pair for clients.
type Conversion struct {
	From      string `json:"from"`
	To        string `json:"to"`
	FromLabel string `json:"fromLabel"`
	ToLabel   string `json:"toLabel"`
	Path      string `json:"path"`
}

type Server struct {
	opts   Options
	filter *filter.Filter
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(opts Options, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload size must be positive")
	}

	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}

	s := &Server{opts: opts, filter: f, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/conversions", s.handleConversions)
	s.mux.HandleFunc("POST /api/convert/{from}/{to}", s.handleConvert)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Conversions lists the supported pairs with their endpoint paths.
func Conversions() []Conversion {
	pairs := convert.Pairs()
	out := make([]Conversion, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Conversion{
			From:      p.From,
			To:        p.To,
			FromLabel: convert.Label(p.From),
			ToLabel:   convert.Label(p.To),
			Path:      "/api/convert/" + p.From + "/" + p.To,
		})
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		ArchiveName string
		Conversions []Conversion
	}{archive.DefaultName, Conversions()}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, data); err != nil {
		s.logger.Error("render index", "err", err)
	}
}

func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Conversions())
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	from := convert.Normalize(r.PathValue("from"))
	to := convert.Normalize(r.PathValue("to"))

	h, err := convert.Lookup(from, to)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	inputs, status, err := s.readUploads(w, r)
	if err != nil {
		writeError(w, status, err)
		return
	}

	run := runner.New(runner.Options{Workers: s.opts.Workers, Filter: s.filter}, s.logger)
	for _, in := range inputs {
		s.logger.Info("processing", "name", in.Name, "conversion", from+"→"+to)
	}

	out, err := h(r.Context(), run, inputs)
	if closeErr := run.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.logger.Warn("conversion failed", "conversion", from+"→"+to, "inputs", len(inputs), "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	name, contentType, body, err := packResult(to, out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("conversion done", "conversion", from+"→"+to, "inputs", len(inputs), "outputs", len(out), "bytes", len(body), "duration", time.Since(started))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-File-Count", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) ([]model.File, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", maxErr.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[FormField]
	if len(headers) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("no %q files in upload: %w", FormField, runner.ErrNoInputs)
	}

	files := make([]model.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		files = append(files, model.File{Name: fh.Filename, Data: data})
	}
	return files, http.StatusOK, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// packResult zips exported messages and returns a single container as is.
func packResult(to string, out []model.File) (name, contentType string, body []byte, err error) {
	if to == convert.ExtEML || len(out) != 1 {
		body, err = archive.Bytes(out)
		return archive.DefaultName, "application/zip", body, err
	}
	return out[0].Name, "application/mbox", out[0].Data, nil
}

func statusFor(err error) int {
	var (
		parseErr   *mbox.ParseError
		framingErr *mbox.FramingError
	)
	switch {
	case errors.As(err, &parseErr), errors.As(err, &framingErr), errors.Is(err, zip.ErrFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runner.ErrNoInputs):
		return http.StatusBadRequest
	case errors.Is(err, convert.ErrUnsupportedConversion):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
