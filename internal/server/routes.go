package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"snapcode/internal/devserver"
	"snapcode/internal/errs"
	"snapcode/internal/framework"
	"snapcode/internal/generator"
	"snapcode/internal/index"
	"snapcode/internal/logging"
	"snapcode/internal/workspace"
)

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.MaxMultipartMemory = maxUploadBytes
	r.Use(errorMiddleware(), gin.Recovery())

	r.GET("/health", s.health)

	api := r.Group("/api", s.authMiddleware())
	api.GET("/frameworks", s.frameworkList)

	api.GET("/projects", s.projectList)
	api.POST("/projects", s.projectCreate)
	api.GET("/projects/:name", s.projectGet)
	api.GET("/projects/:name/tree", s.projectTree)
	api.GET("/projects/:name/generations", s.generationList)
	api.GET("/projects/:name/generations/:id", s.generationGet)
	api.GET("/projects/:name/screenshots", s.screenshotList)
	api.GET("/projects/:name/screenshots/:file", s.screenshotGet)
	api.POST("/projects/:name/generate", s.generate)

	api.GET("/projects/:name/dev", s.devStatus)
	api.POST("/projects/:name/dev/start", s.devStart)
	api.POST("/projects/:name/dev/stop", s.devStop)
	api.GET("/dev", s.devList)

	api.GET("/model", s.modelStatus)
	api.POST("/model/load", s.modelLoad)
	api.POST("/model/unload", s.modelUnload)

	api.GET("/history", s.history)
	api.POST("/log", s.clientLog)

	r.GET("/ws/events", s.authMiddleware(), func(c *gin.Context) {
		s.hub.serve(c.Writer, c.Request)
	})
	return r
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Status: "success", Data: data})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"time":        time.Now().Unix(),
		"subscribers": s.hub.count(),
	})
}

type frameworkInfo struct {
	Type          framework.Type `json:"type"`
	Label         string         `json:"label"`
	DefaultTarget string         `json:"defaultTarget"`
}

func (s *Server) frameworkList(c *gin.Context) {
	list := make([]frameworkInfo, 0, len(framework.All()))
	for _, t := range framework.All() {
		list = append(list, frameworkInfo{Type: t, Label: t.Label(), DefaultTarget: t.DefaultTarget()})
	}
	ok(c, http.StatusOK, list)
}

func (s *Server) projectList(c *gin.Context) {
	list, err := s.deps.Workspace.List()
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, list)
}

type createRequest struct {
	Name string `json:"name" binding:"required"`
	Type string `json:"type" binding:"required"`
}

func (s *Server) projectCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, Response{Status: "error", Message: err.Error()})
		return
	}
	t, err := framework.Parse(req.Type)
	if err != nil {
		_ = c.Error(err)
		return
	}
	meta, err := s.deps.Workspace.Create(req.Name, t)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusCreated, meta)
}

func (s *Server) projectGet(c *gin.Context) {
	meta, err := s.deps.Workspace.Get(c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, meta)
}

func (s *Server) projectTree(c *gin.Context) {
	tree, err := s.deps.Workspace.Tree(c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, tree)
}

// generationList returns the project's generations, newest first
func (s *Server) generationList(c *gin.Context) {
	meta, err := s.deps.Workspace.Get(c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	gens := make([]workspace.Generation, 0, len(meta.Generations))
	for i := len(meta.Generations) - 1; i >= 0; i-- {
		gens = append(gens, meta.Generations[i])
	}
	ok(c, http.StatusOK, gens)
}

func (s *Server) generationGet(c *gin.Context) {
	g, err := s.deps.Workspace.Generation(c.Param("name"), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, g)
}

func (s *Server) screenshotList(c *gin.Context) {
	shots, err := s.deps.Workspace.Screenshots(c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, shots)
}

func (s *Server) screenshotGet(c *gin.Context) {
	data, err := s.deps.Workspace.ReadScreenshot(c.Param("name"), path.Join(workspace.ScreenshotsDir, c.Param("file")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// generate accepts a multipart form: image (file), target, instruction and
// save_screenshot.
func (s *Server) generate(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: missing image field: %v", errs.ErrInvalidImage, err))
		return
	}
	f, err := file.Open()
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", errs.ErrInvalidImage, err))
		return
	}
	img, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	f.Close()
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", errs.ErrInvalidImage, err))
		return
	}

	save := true
	if v := c.PostForm("save_screenshot"); v != "" {
		if save, err = strconv.ParseBool(v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, Response{Status: "error", Message: "save_screenshot must be a boolean"})
			return
		}
	}

	res, err := s.deps.Generator.Generate(c.Request.Context(), generator.Request{
		Project:        c.Param("name"),
		Image:          img,
		Target:         c.PostForm("target"),
		Instruction:    c.PostForm("instruction"),
		SaveScreenshot: save,
	})
	if err != nil {
		if res != nil {
			c.Set("data", res)
		}
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (s *Server) devProject(c *gin.Context) (devserver.Project, error) {
	name := c.Param("name")
	meta, err := s.deps.Workspace.Get(name)
	if err != nil {
		return devserver.Project{}, err
	}
	dir, err := s.deps.Workspace.Path(name)
	if err != nil {
		return devserver.Project{}, err
	}
	return devserver.Project{Name: name, Dir: dir, Type: meta.Type}, nil
}

func (s *Server) devStart(c *gin.Context) {
	p, err := s.devProject(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	// The preview outlives the request.
	info, err := s.deps.Dev.Start(context.WithoutCancel(c.Request.Context()), p)
	if err != nil {
		c.Set("data", info)
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) devStop(c *gin.Context) {
	name := c.Param("name")
	if err := s.deps.Dev.Stop(name); err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, s.deps.Dev.Status(name))
}

func (s *Server) devStatus(c *gin.Context) {
	ok(c, http.StatusOK, s.deps.Dev.Status(c.Param("name")))
}

func (s *Server) devList(c *gin.Context) {
	ok(c, http.StatusOK, s.deps.Dev.List())
}

func (s *Server) modelStatus(c *gin.Context) {
	ok(c, http.StatusOK, s.deps.Model.Status())
}

func (s *Server) modelLoad(c *gin.Context) {
	if err := s.deps.Model.Load(context.WithoutCancel(c.Request.Context())); err != nil {
		c.Set("data", s.deps.Model.Status())
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, s.deps.Model.Status())
}

func (s *Server) modelUnload(c *gin.Context) {
	if err := s.deps.Model.Unload(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, s.deps.Model.Status())
}

func (s *Server) history(c *gin.Context) {
	if s.deps.History == nil {
		ok(c, http.StatusOK, []index.Entry{})
		return
	}
	q := index.Query{
		Project: c.Query("project"),
		Target:  c.Query("target"),
		Text:    c.Query("q"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, Response{Status: "error", Message: "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	entries, err := s.deps.History.Search(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if entries == nil {
		entries = []index.Entry{}
	}
	ok(c, http.StatusOK, entries)
}

func (s *Server) clientLog(c *gin.Context) {
	var entry logging.ClientEntry
	if err := c.ShouldBindWith(&entry, binding.JSON); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, Response{Status: "error", Message: err.Error()})
		return
	}
	if strings.TrimSpace(entry.Message) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, Response{Status: "error", Message: "message is required"})
		return
	}
	logging.LogFromClient(entry)
	c.Status(http.StatusNoContent)
}
