package compress

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"golang.org/x/exp/slog"
)

const (
	Encoding    = "snappy"
	maxBodySize = 32 << 20
)

// Snappy распаковывает тела запросов с Content-Encoding: snappy до того, как их прочитает huma
func Snappy(log *slog.Logger) func(http.Handler) http.Handler {
	log = log.With(slog.String("component", "snappy_middleware"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.EqualFold(r.Header.Get("Content-Encoding"), Encoding) || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}

			compressed, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}

			body, err := snappy.Decode(nil, compressed)
			if err != nil {
				log.Warn("invalid snappy body", slog.String("error", err.Error()))
				http.Error(w, "invalid snappy body", http.StatusBadRequest)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.Header.Set("Content-Length", strconv.Itoa(len(body)))
			r.Header.Del("Content-Encoding")

			next.ServeHTTP(w, r)
		})
	}
}
