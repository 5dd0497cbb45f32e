package storage

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Handler serves blobs at FilesPrefix when the request carries a valid
// signature. Mount it with the prefix intact.
func (s *Store) Handler(logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		p := strings.TrimPrefix(r.URL.Path, FilesPrefix)
		clean, err := s.Verify(p, r.URL.Query().Get("expires"), r.URL.Query().Get("sig"))
		switch {
		case errors.Is(err, ErrURLExpired):
			http.Error(w, "link expired", http.StatusGone)
			return
		case err != nil:
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		f, err := s.Open(clean)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			logger.Error("open blob", zap.String("path", clean), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			logger.Error("stat blob", zap.String("path", clean), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if strings.EqualFold(path.Ext(clean), ".pdf") {
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", `inline; filename="`+path.Base(clean)+`"`)
		}
		w.Header().Set("Cache-Control", "private, no-store")
		http.ServeContent(w, r, path.Base(clean), info.ModTime(), f)
	})
}
