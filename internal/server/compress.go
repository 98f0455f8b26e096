package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// resetWriter is a pooled compressor that can be pointed at a new output.
type resetWriter interface {
	io.WriteCloser
	Reset(io.Writer)
	Flush() error
}

// encoder is one supported Content-Encoding and its writer pool.
type encoder struct {
	name string
	pool *sync.Pool
}

// encoders in server preference order.
var encoders = []encoder{
	{"br", &sync.Pool{New: func() any { return brotli.NewWriterLevel(io.Discard, 4) }}},
	{"gzip", &sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	}}},
}

// negotiate picks the first encoder the client accepts with a non-zero
// q-value. It returns nil for identity.
func negotiate(acceptEncoding string) *encoder {
	accepted := make(map[string]bool)
	for part := range strings.SplitSeq(acceptEncoding, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		accepted[name] = qValue(params) > 0
	}
	for i := range encoders {
		if accepted[encoders[i].name] {
			return &encoders[i]
		}
	}
	return nil
}

// qValue parses the q parameter of an Accept-Encoding entry. Missing or
// malformed values count as 1.
func qValue(params string) float64 {
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.TrimSpace(k) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 1
		}
		return q
	}
	return 1
}

// compressMiddleware compresses responses with brotli or gzip when the
// client accepts one. Connect handlers see no Accept-Encoding so they do not
// compress a second time.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiate(r.Header.Get("Accept-Encoding"))
		if enc == nil {
			next.ServeHTTP(w, r)
			return
		}
		r = r.Clone(r.Context())
		r.Header.Del("Accept-Encoding")

		cw := &compressWriter{ResponseWriter: w, enc: enc}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// compressWriter decides at WriteHeader whether the body is compressed.
// Bodies that already carry an encoding and bodiless statuses pass through.
type compressWriter struct {
	http.ResponseWriter
	enc         *encoder
	out         resetWriter
	wroteHeader bool
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true

	h := cw.Header()
	bodiless := code == http.StatusNoContent || code == http.StatusNotModified
	if h.Get("Content-Encoding") == "" && !bodiless {
		h.Set("Content-Encoding", cw.enc.name)
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
		cw.out = cw.enc.pool.Get().(resetWriter)
		cw.out.Reset(cw.ResponseWriter)
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.out == nil {
		return cw.ResponseWriter.Write(b)
	}
	return cw.out.Write(b)
}

func (cw *compressWriter) Flush() {
	if cw.out != nil {
		_ = cw.out.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// finish closes the compressor and returns it to its pool.
func (cw *compressWriter) finish() {
	if cw.out == nil {
		return
	}
	_ = cw.out.Close()
	cw.enc.pool.Put(cw.out)
	cw.out = nil
}
