package web

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/prompt"
)

// ---- view models ----

type IndexData struct {
	Runs      []RunRow
	Busy      bool
	Accept    string
	MaxUpload string
}

type RunRow struct {
	ID           string
	Input        string
	Status       string
	CurrentStage string
	UpdatedAgo   string
}

type StageRow struct {
	Name     string
	Status   string // pending, running, done, failed
	Duration string
	Error    string
}

type RunPageData struct {
	ID           string
	Filename     string
	Language     string
	Status       string
	Stages       []StageRow
	Live         bool // results are held in memory
	Done         bool
	Error        string
	Code         string
	Bugs         template.HTML
	FixedCode    string
	Report       template.HTML
	TestCases    string
	DownloadName string
	Tips         []string
}

// allowedExts are the upload types the UI accepts.
var allowedExts = []string{".py", ".java", ".c", ".cpp", ".go"}

var debuggingTips = []string{
	"Always test your fixed code with different inputs.",
	"Review edge cases that might not be covered in the tests.",
	"Consider performance for recursive functions with large inputs.",
	"Validate user inputs to prevent unexpected errors.",
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// renderMarkdown converts model output to HTML. Raw HTML in the input is
// dropped by the renderer.
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(src) + "</pre>")
	}
	return template.HTML(buf.String())
}

func allowedExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowedExts {
		if ext == a {
			return true
		}
	}
	return false
}

// ---- handlers ----

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := IndexData{
		Busy:      s.Busy(),
		Accept:    strings.Join(allowedExts, ","),
		MaxUpload: humanize.IBytes(uint64(s.opts.MaxUploadBytes)),
		Runs:      s.recentRuns(20),
	}
	s.render(w, s.indexTmpl, data)
}

// recentRuns lists runs from the store, or from memory without one.
func (s *Server) recentRuns(limit int) []RunRow {
	var rows []RunRow
	if s.opts.Store != nil {
		recs, err := s.opts.Store.List("")
		if err != nil {
			s.logger.Warn("list runs", zap.Error(err))
		}
		for _, rec := range recs {
			rows = append(rows, RunRow{
				ID:           rec.ID,
				Input:        filepath.Base(rec.InputPath),
				Status:       rec.Status,
				CurrentStage: rec.CurrentStage,
				UpdatedAgo:   relTime(rec.UpdatedAt),
			})
		}
	} else {
		s.mu.Lock()
		for _, lr := range s.runs {
			snap := lr.snapshot()
			rows = append(rows, RunRow{ID: lr.id, Input: lr.filename, Status: snap.status()})
		}
		s.mu.Unlock()
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Multipart framing needs some headroom beyond the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+64<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "missing file upload", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !allowedExt(header.Filename) {
		http.Error(w, "unsupported file type; allowed: "+strings.Join(allowedExts, ", "), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, s.opts.MaxUploadBytes+1))
	if err != nil {
		http.Error(w, "read upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !utf8.Valid(data) {
		http.Error(w, "file is not UTF-8 text", http.StatusBadRequest)
		return
	}

	if !s.tryAcquire() {
		http.Error(w, "a run is already in progress; try again when it finishes", http.StatusConflict)
		return
	}
	if err := pipeline.WriteAtomic(s.opts.InputPath, data); err != nil {
		s.release()
		s.logger.Error("write upload", zap.String("path", s.opts.InputPath), zap.Error(err))
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}

	lr := s.start(filepath.Base(header.Filename), prompt.LanguageFor(header.Filename))
	s.logger.Info("run started from upload",
		zap.String("run_id", lr.id),
		zap.String("file", lr.filename),
		zap.Int("bytes", len(data)))
	http.Redirect(w, r, "/runs/"+lr.id, http.StatusSeeOther)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, id string) {
	if lr := s.lookup(id); lr != nil {
		s.render(w, s.runTmpl, s.livePage(lr))
		return
	}
	if s.opts.Store != nil {
		if rec, err := s.opts.Store.Get(id); err == nil {
			s.render(w, s.runTmpl, recordPage(rec))
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) livePage(lr *liveRun) RunPageData {
	snap := lr.snapshot()
	data := RunPageData{
		ID:       lr.id,
		Filename: lr.filename,
		Language: lr.language,
		Status:   snap.status(),
		Stages:   snap.stageRows(),
		Live:     true,
		Done:     snap.done,
		Tips:     debuggingTips,
	}
	if snap.err != nil {
		data.Error = snap.err.Error()
	}
	if snap.done && snap.err == nil {
		st := snap.state
		data.Code = st.Code()
		data.Bugs = renderMarkdown(st.Bugs())
		data.FixedCode = st.FixedCode()
		data.Report = renderMarkdown(st.Report())
		data.TestCases = st.TestCases()
		data.DownloadName = s.downloadName()
	}
	return data
}

// recordPage shows a run from a previous process: progress only.
func recordPage(rec *pipeline.RunRecord) RunPageData {
	rows := make([]StageRow, 0, len(rec.StageHistory))
	for _, h := range rec.StageHistory {
		status := "done"
		if h.Outcome != "success" {
			status = "failed"
		}
		rows = append(rows, StageRow{Name: h.Stage, Status: status, Duration: h.Duration})
	}
	return RunPageData{
		ID:       rec.ID,
		Filename: filepath.Base(rec.InputPath),
		Language: rec.Language,
		Status:   rec.Status,
		Stages:   rows,
		Done:     rec.Done(),
		Error:    rec.Error,
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	lr := s.lookup(id)
	if lr == nil {
		http.NotFound(w, r)
		return
	}
	snap := lr.snapshot()
	if !snap.done || !snap.state.IsSet(pipeline.FieldFixedCode) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": s.downloadName()}))
	io.WriteString(w, snap.state.FixedCode())
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		s.logger.Error("render template", zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}
