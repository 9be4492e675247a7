package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/logging"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"stepClass": func(status string) string {
		return "step step-" + status
	},
}

// Runner is the part of the stage engine the server drives.
type Runner interface {
	RunWith(ctx context.Context, opts stage.RunOpts) (pipeline.State, error)
	SetObserver(fn stage.Observer)
	Files() stage.Files
}

// Options configures a Server.
type Options struct {
	Port           int
	InputPath      string // where uploads are written before a run
	MaxUploadBytes int64
	Store          *pipeline.Store // optional; lists past runs
	Logger         *zap.Logger
}

// Server is the upload-and-review web UI.
type Server struct {
	runner Runner
	opts   Options
	logger *zap.Logger

	// busy guards the shared input and artifact files: one run at a time.
	mu   sync.Mutex
	busy bool
	runs map[string]*liveRun

	// wg tracks run goroutines so Shutdown can wait for them. runCtx is
	// cancelled when that wait times out.
	wg         sync.WaitGroup
	runCtx     context.Context
	cancelRuns context.CancelFunc

	indexTmpl *template.Template
	runTmpl   *template.Template
}

// NewServer creates a Server with parsed templates and registers itself as
// the runner's observer.
func NewServer(runner Runner, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 20
	}
	if opts.InputPath == "" {
		opts.InputPath = pipeline.DefaultInputFile
	}
	logger := logging.OrNop(opts.Logger)
	s := &Server{
		runner:    runner,
		opts:      opts,
		logger:    logger,
		runs:      make(map[string]*liveRun),
		indexTmpl: mustParseTmpl("base.html", "index.html"),
		runTmpl:   mustParseTmpl("base.html", "run.html"),
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	runner.SetObserver(s.observe)
	return s
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleIndex(w, r)
		case r.URL.Path == "/runs" || r.URL.Path == "/runs/":
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleUpload(w, r)
		case strings.HasPrefix(r.URL.Path, "/runs/"):
			s.routeRun(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	id := parts[0]
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `\`) {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(parts) == 1:
		s.handleRun(w, r, id)
	case len(parts) == 2 && parts[1] == "stream":
		s.handleStream(w, r, id)
	case len(parts) == 2 && parts[1] == "download":
		s.handleDownload(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// Start listens until ctx is cancelled, then shuts down and waits for any
// in-flight run to finish. A run still going when the shutdown timeout
// expires is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("web UI listening", zap.String("url", "http://localhost"+addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if werr := s.waitRuns(shutdownCtx); werr != nil {
		s.logger.Warn("in-flight run cancelled at shutdown", zap.Error(werr))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitRuns waits for run goroutines until ctx is done, then cancels the
// ones still going.
func (s *Server) waitRuns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelRuns()
		return ctx.Err()
	}
}

// tryAcquire marks the server busy. It reports false if a run is in flight.
func (s *Server) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports whether a run is in flight.
func (s *Server) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Server) lookup(id string) *liveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// start launches a run on the uploaded file. The caller holds the busy flag.
func (s *Server) start(filename, language string) *liveRun {
	lr := newLiveRun(stage.NewRunID(), filename, language)
	s.mu.Lock()
	s.runs[lr.id] = lr
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		state, err := s.runner.RunWith(s.runCtx, stage.RunOpts{
			InputPath: s.opts.InputPath,
			RunID:     lr.id,
			Language:  language,
		})
		if err != nil {
			s.logger.Warn("web run failed", zap.String("run_id", lr.id), zap.Error(err))
		}
		lr.finish(state, err)
	}()
	return lr
}

// observe routes engine events to the matching live run.
func (s *Server) observe(ev stage.Event) {
	if lr := s.lookup(ev.RunID); lr != nil {
		lr.record(ev)
	}
}

// downloadName is the attachment filename for fixed code.
func (s *Server) downloadName() string {
	return filepath.Base(s.runner.Files().FixedCode)
}

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, ts); err == nil {
			return humanize.Time(t)
		}
	}
	return ts
}
