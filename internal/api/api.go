// Package api exposes export, import and the snapshot archive over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-snapshot/internal/archive"
	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
	"github.com/celerix-dev/celerix-snapshot/internal/vault"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

// maxSnapshotBytes caps request bodies of imports.
const maxSnapshotBytes = 256 << 20

var errBadRequest = errors.New("bad request")

type Handler struct {
	Engine  *transfer.Engine
	Archive archive.Archive
	// Passphrase seals exports that ask for it and opens sealed imports.
	Passphrase string
	// Dangling is the policy used when a request does not name one.
	Dangling transfer.DanglingPolicy
	Logger   *slog.Logger
}

// Register mounts the handlers under /api.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api")
	g.GET("/sections", h.GetSections)
	g.POST("/exports", h.Export)
	g.POST("/imports", h.Import)
	g.GET("/snapshots", h.ListSnapshots)
	g.GET("/snapshots/:name", h.GetSnapshot)
	g.DELETE("/snapshots/:name", h.DeleteSnapshot)
	g.POST("/snapshots/:name/import", h.ImportArchived)
}

type sectionView struct {
	schema.Section
	Served bool `json:"served"`
}

func (h *Handler) GetSections(c *gin.Context) {
	reg := h.Engine.Registry()
	sections := reg.Sections()
	out := make([]sectionView, 0, len(sections))
	for _, sec := range sections {
		served := sec.Scope == schema.ScopeCentral || reg.Served(c.Request.Context(), sec.Key)
		out = append(out, sectionView{Section: sec, Served: served})
	}
	c.JSON(http.StatusOK, out)
}

type exportRequest struct {
	Sections []string `json:"sections"`
	Format   string   `json:"format"`
	Save     bool     `json:"save"`
	Name     string   `json:"name"`
	Seal     bool     `json:"seal"`
}

func (h *Handler) Export(c *gin.Context) {
	var input exportRequest
	if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	format, err := snapshot.ParseFormat(input.Format)
	if err != nil {
		h.fail(c, badRequest(err))
		return
	}
	if input.Seal && h.Passphrase == "" {
		h.fail(c, badRequest(errors.New("sealing requested but no passphrase is configured")))
		return
	}

	ctx := c.Request.Context()
	snap, err := h.Engine.Export(ctx, input.Sections)
	if err != nil {
		h.fail(c, err)
		return
	}
	data, err := snapshot.Marshal(snap, format)
	if err != nil {
		h.fail(c, err)
		return
	}
	contentType := format.ContentType()
	if input.Seal {
		if data, err = vault.Seal(data, h.Passphrase); err != nil {
			h.fail(c, err)
			return
		}
		contentType = "application/octet-stream"
	}

	if !input.Save {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, archive.DefaultName(snap.ExportedAt), format.Ext()))
		c.Data(http.StatusOK, contentType, data)
		return
	}
	name := input.Name
	if name == "" {
		name = archive.DefaultName(snap.ExportedAt)
	}
	entry, err := h.Archive.Save(ctx, name, format, data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// Import reads a raw snapshot from the request body. Query parameters: format, sections,
// dry_run, dangling and strict.
func (h *Handler) Import(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotBytes))
	if err != nil {
		h.fail(c, badRequest(err))
		return
	}
	format, err := snapshot.ParseFormat(c.Query("format"))
	if err != nil {
		h.fail(c, badRequest(err))
		return
	}
	h.runImport(c, body, format)
}

func (h *Handler) ImportArchived(c *gin.Context) {
	entry, data, err := h.Archive.Load(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	format := entry.Format
	if q := c.Query("format"); q != "" {
		if format, err = snapshot.ParseFormat(q); err != nil {
			h.fail(c, badRequest(err))
			return
		}
	}
	h.runImport(c, data, format)
}

func (h *Handler) runImport(c *gin.Context, data []byte, format snapshot.Format) {
	opts, err := h.importOptions(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	plain, err := vault.Open(data, h.Passphrase)
	if err != nil {
		h.fail(c, err)
		return
	}
	snap, err := snapshot.Unmarshal(plain, format)
	if err != nil {
		h.fail(c, err)
		return
	}
	report, err := h.Engine.Import(c.Request.Context(), snap, opts)
	if err != nil {
		if report != nil {
			// Central data and earlier tenants were committed; say what happened.
			c.JSON(statusOf(err), gin.H{"error": err.Error(), "report": report})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) importOptions(c *gin.Context) (transfer.ImportOptions, error) {
	opts := transfer.ImportOptions{Dangling: h.Dangling}
	if s := c.Query("sections"); s != "" {
		opts.Sections = strings.Split(s, ",")
	}
	if s := c.Query("dangling"); s != "" {
		p, err := transfer.ParseDanglingPolicy(s)
		if err != nil {
			return opts, badRequest(err)
		}
		opts.Dangling = p
	}
	for key, dst := range map[string]*bool{"dry_run": &opts.DryRun, "strict": &opts.StrictSections} {
		s := c.Query(key)
		if s == "" {
			continue
		}
		v, err := strconv.ParseBool(s)
		if err != nil {
			return opts, badRequest(fmt.Errorf("%s: %w", key, err))
		}
		*dst = v
	}
	return opts, nil
}

func (h *Handler) ListSnapshots(c *gin.Context) {
	entries, err := h.Archive.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetSnapshot(c *gin.Context) {
	entry, data, err := h.Archive.Load(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	contentType := entry.Format.ContentType()
	if entry.Sealed {
		contentType = "application/octet-stream"
	}
	c.Header("X-Checksum-Sha256", entry.SHA256)
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handler) DeleteSnapshot(c *gin.Context) {
	if err := h.Archive.Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, snapshot.ErrFormat),
		errors.Is(err, snapshot.ErrUnsupportedVersion),
		errors.Is(err, transfer.ErrNoValidSections),
		errors.Is(err, vault.ErrSealed),
		errors.Is(err, vault.ErrOpen),
		errors.Is(err, archive.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, sdk.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
