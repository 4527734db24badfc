// Package api implements the Octoprint-compatible HTTP surface: the fixed
// JSON constants, printer/job status snapshots, file uploads into the
// watched directory, and command injection. Ported from the HTTP worker in
// the original implementation's marlinfeed.cpp, adapted from its
// fork-per-connection model to per-request goroutines bounded by a
// semaphore, per SPEC_FULL.md §5.
package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"marlinfeed/internal/engine"
	"marlinfeed/internal/iochan"
	"marlinfeed/internal/printerstate"
)

// Fixed JSON constants, verbatim from marlinfeed.cpp's HTTP worker.
const (
	VersionJSON = "{\r\n" +
		"  \"api\": \"0.1\",\r\n" +
		"  \"server\": \"1.0.0\",\r\n" +
		"  \"text\": \"Marlinfeed 1.0.0\"\r\n" +
		"}\r\n"

	SettingsJSON = "{\r\n" +
		"  \"feature\":\r\n" +
		"  {\r\n" +
		"    \"sdSupport\": false\r\n" +
		"  },\r\n" +
		"  \"webcam\":\r\n" +
		"  {\r\n" +
		"    \"webcamEnabled\": false,\r\n" +
		"    \"streamUrl\": \"\"\r\n" +
		"  }\r\n" +
		"}\r\n"

	LoginJSON = "{\r\n" +
		"  \"_is_external_client\": false,\r\n" +
		"  \"active\": true,\r\n" +
		"  \"admin\": true,\r\n" +
		"  \"apikey\": null,\r\n" +
		"  \"groups\": [\"admins\",\"users\"],\r\n" +
		"  \"name\": \"_api\"\r\n" +
		"}\r\n"

	CreatedJSON = "{\r\n" +
		"  \"done\": true,\r\n" +
		"  \"files\": {\r\n" +
		"    \"local\": {\r\n" +
		"      \"origin\": \"local\",\r\n" +
		"      \"refs\": {\r\n" +
		"      }\r\n" +
		"    }\r\n" +
		"  }\r\n" +
		"}\r\n"
)

// MaxBodyBytes caps the bodies of the two file routes: an upload to
// POST /api/files/local larger than this fails to parse and is answered
// with 400 Bad Request, and POST /api/files/local/<name> reads only this
// many bytes of its body. The JSON routes read their bodies without a cap.
const MaxBodyBytes = 65536

// StateSnapshot is how the HTTP layer reads printer state: a point-in-time
// copy taken under the engine's own lock, standing in for the original's
// fork-based copy-on-write snapshot (SPEC_FULL.md §5).
type StateSnapshot func() (toJSON, jobJSON string)

// Injector is how uploaded commands reach the engine, standing in for the
// original's injection pipe fd.
type Injector interface {
	Inject(commands []string)
}

// Server is the Octoprint-compatible HTTP worker.
type Server struct {
	router   *gin.Engine
	sem      *semaphore.Weighted
	baseURL  string
	watchDir string
	state    StateSnapshot
	ctl      *engine.Control
	inject   Injector
}

// New builds a Server. baseURL is embedded in the Location header of
// upload responses (e.g. "http://host:8080"); watchDir is where uploads
// land and where touch_file's POST /api/files/local/<name> looks for its
// target.
func New(baseURL, watchDir string, state StateSnapshot, ctl *engine.Control, inject Injector, maxConcurrent int64) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:   gin.New(),
		sem:      semaphore.NewWeighted(maxConcurrent),
		baseURL:  baseURL,
		watchDir: watchDir,
		state:    state,
		ctl:      ctl,
		inject:   inject,
	}
	s.router.Use(gin.Recovery())
	s.router.Use(s.acquire)
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// acquire bounds concurrent request handling to maxConcurrent, the Go
// analogue of the original's implicit OS process-table ceiling per
// forked connection.
func (s *Server) acquire(c *gin.Context) {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)
	c.Next()
}

func (s *Server) routes() {
	s.router.GET("/api/version", func(c *gin.Context) { c.Data(http.StatusOK, "application/json", []byte(VersionJSON)) })
	s.router.GET("/api/settings", func(c *gin.Context) { c.Data(http.StatusOK, "application/json", []byte(SettingsJSON)) })
	s.router.GET("/api/printer", s.getPrinter)
	s.router.GET("/api/job", s.getJob)
	s.router.POST("/api/login", func(c *gin.Context) { c.Data(http.StatusOK, "application/json", []byte(LoginJSON)) })
	s.router.POST("/api/job", s.postJob)
	s.router.POST("/api/files/local", s.postUpload)
	s.router.POST("/api/files/local/:name", s.postFilePrint)
	s.router.POST("/api/printer/command", s.postCommand)
	s.router.NoRoute(func(c *gin.Context) { c.Status(http.StatusNotFound) })
}

func (s *Server) getPrinter(c *gin.Context) {
	toJSON, _ := s.state()
	c.Data(http.StatusOK, "application/json", []byte(toJSON))
}

func (s *Server) getJob(c *gin.Context) {
	_, jobJSON := s.state()
	c.Data(http.StatusOK, "application/json", []byte(jobJSON))
}

type jobRequest struct {
	Command string `json:"command"`
	Action  string `json:"action"`
}

func (s *Server) postJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	switch req.Command {
	case "pause":
		switch req.Action {
		case "resume":
			s.ctl.SetPaused(false)
		default:
			s.ctl.SetPaused(true)
		}
	case "cancel":
		s.ctl.Cancel()
	}
	c.Status(http.StatusNoContent)
}

// sanitizeFilename keeps alphanumerics and _-+., replacing everything else
// with '_', matching spec.md §4.I's upload filename rule.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '+' || r == '.' || r == ',':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}

func (s *Server) postUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	sanitized := sanitizeFilename(fh.Filename)

	src, err := fh.Open()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	defer src.Close()

	final := filepath.Join(s.watchDir, sanitized)
	tmp, ok := iochan.CreateFile(filepath.Join(s.watchDir, ".upload-??????"), 0o644)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		os.Remove(tmp)
		c.Status(http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		c.Status(http.StatusInternalServerError)
		return
	}
	dst.Close()
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Location", s.baseURL+"/api/files/local/"+sanitized)
	c.Data(http.StatusCreated, "application/json", []byte(CreatedJSON))
}

func (s *Server) postFilePrint(c *gin.Context) {
	name := sanitizeFilename(c.Param("name"))
	body, _ := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes))
	if !strings.Contains(string(body), "print") {
		c.Status(http.StatusBadRequest)
		return
	}
	target := filepath.Join(s.watchDir, name)
	now := time.Now()
	if err := os.Chtimes(target, now, now); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

type commandRequest struct {
	Commands []string `json:"commands"`
}

func (s *Server) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.inject.Inject(req.Commands)
	c.Status(http.StatusNoContent)
}

// SnapshotState builds a StateSnapshot over a *printerstate.State guarded
// by mu — the engine's own lock, taken just long enough to render both
// JSON views, the Go stand-in for the original's fork-based snapshot.
func SnapshotState(mu *sync.Mutex, st *printerstate.State) StateSnapshot {
	return func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		return st.ToJSON(), st.JobJSON()
	}
}
