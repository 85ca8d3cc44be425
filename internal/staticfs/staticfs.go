// Package staticfs serves cached audio artifacts over plain HTTP so the
// speaker can stream them. It listens on its own address because the speaker
// reaches it directly, bypassing whatever fronts the webhook API.
package staticfs

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type Config struct {
	Addr    string
	Dir     string
	BaseURL string
}

type Server struct {
	addr    string
	dir     http.Dir
	baseURL string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":1810"
	}
	return &Server{
		addr:    addr,
		dir:     http.Dir(cfg.Dir),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		log:     log,
	}
}

// URLFor returns the address the speaker should stream the named artifact
// from. The base URL is operator-configured: it must be reachable from the
// speaker's network, which localhost never is.
func (s *Server) URLFor(filename string) string {
	return s.baseURL + "/audio/" + path.Base(filename)
}

func (s *Server) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/audio/{file}", func(w http.ResponseWriter, req *http.Request) {
		name := path.Base(chi.URLParam(req, "file"))
		if name == "." || name == "/" {
			http.NotFound(w, req)
			return
		}
		f, err := s.dir.Open(name)
		if err != nil {
			http.NotFound(w, req)
			return
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil || fi.IsDir() {
			http.NotFound(w, req)
			return
		}
		http.ServeContent(w, req, name, fi.ModTime(), f)
	})
	return r
}

// Serve runs the file server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.handler(),
		ReadTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("static server listening", logx.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
