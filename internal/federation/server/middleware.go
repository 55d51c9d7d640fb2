package server

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// methodOptions is the per-method options record: allowed MIME type,
// payload-size cap, and the timeout applied to the whole handler.
type methodOptions struct {
	RequireJSON bool
	PayloadMax  int64
	Timeout     time.Duration
}

func (s *Server) defaultOptions() methodOptions {
	return methodOptions{RequireJSON: false, PayloadMax: s.cfg.PayloadMax, Timeout: s.cfg.DefaultTimeout}
}

// timedWriter wraps http.ResponseWriter so the Timer header can be
// injected right before the status line is written; headers set after
// WriteHeader have no effect.
type timedWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (t *timedWriter) WriteHeader(status int) {
	if !t.wroteHeader {
		t.Header().Set("X-Construct-Timer", strconv.FormatInt(time.Since(t.start).Milliseconds(), 10)+"ms")
		t.wroteHeader = true
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// withResourceOptions wraps next with the resource layer's request
// pre-checks: content-length/MIME verification, automatic Timer/CORS
// headers, and a per-handler timeout whose expiry cancels the handler's
// runtime.Task via runTask.
func (s *Server) withResourceOptions(opts methodOptions, next func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSAllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		tw := &timedWriter{ResponseWriter: w, start: time.Now()}

		if r.ContentLength > opts.PayloadMax {
			writeError(tw, errOverload("request body exceeds payload cap"))
			return
		}
		if opts.RequireJSON {
			if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
				writeError(tw, errProtocol("unsupported content type "+ct))
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, opts.PayloadMax)

		err := runTask(r.Context(), opts.Timeout, func(ctx context.Context) error {
			next(tw, r.WithContext(ctx))
			return nil
		})
		if err != nil {
			writeError(tw, err)
		}
	}
}
