package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-eml/archive"
	"github.com/dhcgn/mbox-to-eml/convert"
	"github.com/dhcgn/mbox-to-eml/filter"
	"github.com/dhcgn/mbox-to-eml/mbox"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/runner"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()

	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = 1 << 20
	}
	s, err := New(opts, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func upload(t *testing.T, url string, files ...model.File) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile(FormField, f.Name)
		require.NoError(t, err)
		_, err = part.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func ordersMbox(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../mbox/testdata/orders.mbox")
	require.NoError(t, err)
	return data
}

func TestIndex(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	html := string(readBody(t, resp))
	assert.Contains(t, html, `action="/api/convert/mbox/eml"`)
	assert.Contains(t, html, archive.DefaultName)

	resp, err = http.Get(ts.URL + "/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversions(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/api/conversions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []Conversion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, Conversions(), got)
	assert.NotEmpty(t, got)
}

func TestConvert_MboxToEML(t *testing.T) {
	ts := newTestServer(t, Options{Workers: 2})

	resp := upload(t, ts.URL+"/api/convert/mbox/eml",
		model.File{Name: "orders.mbox", Data: ordersMbox(t)},
		model.File{Name: "more/orders.mbox", Data: ordersMbox(t)},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), archive.DefaultName)
	assert.Equal(t, "6", resp.Header.Get("X-File-Count"))

	files, err := archive.Read(readBody(t, resp))
	require.NoError(t, err)
	require.Len(t, files, 6)
	assert.Equal(t, "orders_0001_No_Subject.eml", files[0].Name)
	assert.Equal(t, "orders_0002_Re__Q3_Q4_Report_.eml", files[1].Name)
	assert.Equal(t, "orders-2_0001_No_Subject.eml", files[3].Name)
}

func TestConvert_Filter(t *testing.T) {
	ts := newTestServer(t, Options{Filter: filter.Options{IncludeHeader: []string{`Subject:.*Report`}}})

	resp := upload(t, ts.URL+"/api/convert/mbox/eml", model.File{Name: "orders.mbox", Data: ordersMbox(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	files, err := archive.Read(readBody(t, resp))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "orders_0002_Re__Q3_Q4_Report_.eml", files[0].Name)
}

func TestConvert_EMLToMbox(t *testing.T) {
	ts := newTestServer(t, Options{})

	msgs := []model.File{
		{Name: "a.eml", Data: []byte("Subject: a\n\nFrom here\n")},
		{Name: "b.eml", Data: []byte("Subject: b\n\nbody\n")},
	}
	resp := upload(t, ts.URL+"/api/convert/eml/mbox", msgs...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/mbox", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "joined.mbox")

	parsed, err := mbox.Parse(readBody(t, resp))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, msgs[0].Data, parsed[0].Raw)
}

func TestConvert_ZipToMbox(t *testing.T) {
	ts := newTestServer(t, Options{})

	exported, err := mbox.Split(ordersMbox(t), "orders.mbox")
	require.NoError(t, err)
	zipped, err := archive.Bytes(exported)
	require.NoError(t, err)

	resp := upload(t, ts.URL+"/api/convert/zip/mbox", model.File{Name: archive.DefaultName, Data: zipped})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	again, err := mbox.Split(readBody(t, resp), "orders.mbox")
	require.NoError(t, err)
	require.Len(t, again, len(exported))
	for i := range exported {
		assert.Equal(t, exported[i].Data, again[i].Data)
	}
}

func TestConvert_Errors(t *testing.T) {
	ts := newTestServer(t, Options{MaxUploadBytes: 4096})

	tests := []struct {
		name   string
		path   string
		files  []model.File
		status int
	}{
		{"unsupported pair", "/api/convert/eml/zip", []model.File{{Name: "a.eml", Data: []byte("x")}}, http.StatusNotFound},
		{"no files", "/api/convert/mbox/eml", nil, http.StatusBadRequest},
		{"parse error", "/api/convert/mbox/eml", []model.File{{Name: "bad.mbox", Data: []byte("not an mbox\n")}}, http.StatusUnprocessableEntity},
		{"not a zip", "/api/convert/zip/mbox", []model.File{{Name: "a.zip", Data: []byte("plain text")}}, http.StatusUnprocessableEntity},
		{"too large", "/api/convert/eml/mbox", []model.File{{Name: "big.eml", Data: bytes.Repeat([]byte("x"), 8192)}}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, ts.URL+tt.path, tt.files...)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"parse", fmt.Errorf("a.mbox: %w", &mbox.ParseError{Index: 1, Err: mbox.ErrMissingSeparator}), http.StatusUnprocessableEntity},
		{"framing", &mbox.FramingError{Index: 2, Name: "b.eml", Err: errors.New("short write")}, http.StatusUnprocessableEntity},
		{"zip", fmt.Errorf("read archive: %w", zip.ErrFormat), http.StatusUnprocessableEntity},
		{"no inputs", runner.ErrNoInputs, http.StatusBadRequest},
		{"unsupported", convert.ErrUnsupportedConversion, http.StatusNotFound},
		{"canceled", context.Canceled, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestConvert_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/api/convert/mbox/eml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.Error(t, err)

	_, err = New(Options{MaxUploadBytes: 1, Filter: filter.Options{IncludeBody: []string{"("}}}, nil)
	assert.Error(t, err)
}

func TestServe_Shutdown(t *testing.T) {
	s, err := New(Options{MaxUploadBytes: 1 << 20}, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/conversions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
