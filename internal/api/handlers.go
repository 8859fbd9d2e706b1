package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Engine is the subset of a running node's public surface the debug HTTP
// handlers expose to an operator CLI. It is satisfied by *node.Node;
// kept as a narrow interface here so this package never imports node
// (which would otherwise import api right back for nothing).
type Engine interface {
	NodeID() string
	Version() (string, bool)
	Peers() []string
	IsConnected() bool
	Export() ([]byte, error)
	Import(data []byte) error
}

// Handler wires one node's debug surface onto a gin router: a status
// probe and a full-state export/import pair, for the operator CLI to
// drive over HTTP.
type Handler struct {
	engine Engine
}

// NewHandler builds a Handler over an already-running engine.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts every debug route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/status", h.Status)
	r.GET("/export", h.Export)
	r.POST("/import", h.Import)
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	version, hasVersion := h.engine.Version()
	body := gin.H{
		"nodeId":      h.engine.NodeID(),
		"isConnected": h.engine.IsConnected(),
		"peers":       h.engine.Peers(),
	}
	if hasVersion {
		body["version"] = version
	}
	c.JSON(http.StatusOK, body)
}

// Export handles GET /export: the current full SQL snapshot, as a raw
// binary body.
func (h *Handler) Export(c *gin.Context) {
	data, err := h.engine.Export()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Import handles POST /import: the request body replaces the node's
// entire SQL state.
func (h *Handler) Import(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Import(data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
