package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mikeboe/deep-search/pkg/database"
	"github.com/mikeboe/deep-search/pkg/research"
	"github.com/mikeboe/deep-search/pkg/vectorstore"
)

// LearningSearcher is implemented by index.LearningIndex.
type LearningSearcher interface {
	SearchLearnings(ctx context.Context, query string, topK int, filter map[string]any) ([]vectorstore.Match, error)
	FindBySource(ctx context.Context, url string, limit int) ([]vectorstore.Record, error)
	FindByMetadata(ctx context.Context, filter map[string]any, limit int) ([]vectorstore.Record, error)
}

// MCPRequest represents an MCP JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an MCP JSON-RPC response
type MCPResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *MCPError `json:"error,omitempty"`
}

type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeBadSession     = -32000
)

type Handler struct {
	Service *Service
	// Index is optional; without it the learning tools report an error.
	Index LearningSearcher

	mu       sync.RWMutex
	sessions map[string]time.Time
}

func NewHandler(s *Service, index LearningSearcher) *Handler {
	return &Handler{Service: s, Index: index, sessions: make(map[string]time.Time)}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/mcp", h.MCPHandler)
	api := r.Group("/api")
	{
		api.POST("/research", h.createJob)
		api.GET("/research", h.listJobs)
		api.GET("/research/:id", h.getJob)
		api.GET("/research/:id/logs", h.getJobLogs)
	}
}

// MCPHandler handles MCP protocol requests
func (h *Handler) MCPHandler(c *gin.Context) {
	sessionID := c.GetHeader("Mcp-Session-Id")

	var req MCPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MCPResponse{JSONRPC: "2.0", Error: &MCPError{Code: codeParseError, Message: "Parse error"}})
		return
	}

	if req.Method == "initialize" {
		if sessionID == "" {
			sessionID = uuid.NewString()
			c.Header("Mcp-Session-Id", sessionID)
			h.mu.Lock()
			h.sessions[sessionID] = time.Now()
			h.mu.Unlock()
		}

		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: gin.H{
				"protocolVersion": "2024-11-05",
				"serverInfo":      gin.H{"name": "deep-search-mcp", "version": "1.0.0"},
				"capabilities":    gin.H{"tools": gin.H{}},
			},
		})
		return
	}

	if sessionID == "" {
		c.JSON(http.StatusBadRequest, MCPResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &MCPError{Code: codeBadSession, Message: "Bad Request: No valid session ID provided"}})
		return
	}
	h.mu.RLock()
	_, exists := h.sessions[sessionID]
	h.mu.RUnlock()
	if !exists {
		c.JSON(http.StatusBadRequest, MCPResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &MCPError{Code: codeBadSession, Message: "Invalid session ID"}})
		return
	}

	switch req.Method {
	case "tools/list":
		c.JSON(http.StatusOK, MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: gin.H{"tools": toolDefinitions}})
	case "tools/call":
		h.handleToolsCall(c, req)
	case "ping":
		c.JSON(http.StatusOK, MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: gin.H{}})
	default:
		h.sendError(c, req.ID, codeMethodNotFound, "Method not found")
	}
}

func schema(required []string, props gin.H) gin.H {
	return gin.H{"type": "object", "properties": props, "required": required}
}

var toolDefinitions = []gin.H{
	{
		"name":        "search_learnings",
		"description": "Semantic search over learnings gathered by earlier research jobs.",
		"inputSchema": schema([]string{"query"}, gin.H{
			"query":  gin.H{"type": "string", "description": "The search query."},
			"topK":   gin.H{"type": "number", "description": "Number of results to return.", "default": 5},
			"filter": gin.H{"type": "object", "description": "Optional metadata filter ($and, $or, $not)."},
		}),
	},
	{
		"name":        "find_learnings_by_source",
		"description": "Find every learning that cites a source URL.",
		"inputSchema": schema([]string{"source"}, gin.H{
			"source": gin.H{"type": "string", "description": "The source URL."},
			"limit":  gin.H{"type": "number", "default": 100},
		}),
	},
	{
		"name":        "find_learnings_by_metadata",
		"description": "Find learnings using logical filters on metadata (topic, depth, job_id, sources).",
		"inputSchema": schema([]string{"filter"}, gin.H{
			"filter": gin.H{"type": "object", "description": "JSON filter object with logical operators ($and, $or, $not)"},
			"limit":  gin.H{"type": "number", "default": 100},
		}),
	},
	{
		"name":        "start_research",
		"description": "Start a background research job on a topic and return its id.",
		"inputSchema": schema([]string{"topic"}, gin.H{
			"topic":    gin.H{"type": "string"},
			"settings": gin.H{"type": "object", "description": "Optional research settings (max_depth, search_timeout, max_results, include_* flags, language)."},
		}),
	},
}

type searchArgs struct {
	Query  string         `json:"query"`
	TopK   int            `json:"topK"`
	Filter map[string]any `json:"filter"`
}

type sourceArgs struct {
	Source string `json:"source"`
	Limit  int    `json:"limit"`
}

type metadataArgs struct {
	Filter map[string]any `json:"filter"`
	Limit  int            `json:"limit"`
}

func (h *Handler) handleToolsCall(c *gin.Context, req MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(c, req.ID, codeInvalidParams, "Invalid params")
		return
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}
	ctx := c.Request.Context()

	if params.Name == "start_research" {
		var args CreateJobRequest
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, codeInvalidParams, "Invalid arguments")
			return
		}
		job, err := h.Service.CreateJob(ctx, args)
		if err != nil {
			code := codeInternal
			if errors.Is(err, research.ErrInvalidSettings) {
				code = codeInvalidParams
			}
			h.sendError(c, req.ID, code, err.Error())
			return
		}
		h.sendText(c, req.ID, fmt.Sprintf("Started research job %s on %q (status %s).", job.ID, job.Topic, job.Status))
		return
	}

	if h.Index == nil {
		h.sendError(c, req.ID, codeInternal, "learning index is not configured")
		return
	}

	var text string
	var err error
	switch params.Name {
	case "search_learnings":
		var args searchArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, codeInvalidParams, "Invalid arguments")
			return
		}
		var matches []vectorstore.Match
		if matches, err = h.Index.SearchLearnings(ctx, args.Query, args.TopK, args.Filter); err == nil {
			text = formatMatches(matches)
		}

	case "find_learnings_by_source":
		var args sourceArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, codeInvalidParams, "Invalid arguments")
			return
		}
		var records []vectorstore.Record
		if records, err = h.Index.FindBySource(ctx, args.Source, args.Limit); err == nil {
			text = formatRecords(records)
		}

	case "find_learnings_by_metadata":
		var args metadataArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Filter == nil {
			h.sendError(c, req.ID, codeInvalidParams, "Invalid arguments")
			return
		}
		var records []vectorstore.Record
		if records, err = h.Index.FindByMetadata(ctx, args.Filter, args.Limit); err == nil {
			text = formatRecords(records)
		}

	default:
		h.sendError(c, req.ID, codeMethodNotFound, fmt.Sprintf("Tool not found: %s", params.Name))
		return
	}

	if err != nil {
		h.sendError(c, req.ID, codeInternal, err.Error())
		return
	}
	h.sendText(c, req.ID, text)
}

func formatMatches(matches []vectorstore.Match) string {
	if len(matches) == 0 {
		return "No matching learnings."
	}
	var sb strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&sb, "%d. [%.2f] %s%s\n", i+1, m.Score, m.Content, sourceSuffix(m.Metadata))
	}
	return sb.String()
}

func formatRecords(records []vectorstore.Record) string {
	if len(records) == 0 {
		return "No matching learnings."
	}
	var sb strings.Builder
	for i, r := range records {
		fmt.Fprintf(&sb, "%d. %s%s\n", i+1, r.Content, sourceSuffix(r.Metadata))
	}
	return sb.String()
}

func sourceSuffix(meta map[string]any) string {
	list, _ := meta["sources"].([]any)
	if len(list) == 0 {
		return ""
	}
	urls := make([]string, 0, len(list))
	for _, s := range list {
		urls = append(urls, fmt.Sprint(s))
	}
	return " (" + strings.Join(urls, ", ") + ")"
}

func (h *Handler) sendError(c *gin.Context, id any, code int, msg string) {
	c.JSON(http.StatusOK, MCPResponse{JSONRPC: "2.0", ID: id, Error: &MCPError{Code: code, Message: msg}})
}

func (h *Handler) sendText(c *gin.Context, id any, text string) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  gin.H{"content": []gin.H{{"type": "text", "text": text}}},
	})
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.Service.CreateJob(c.Request.Context(), req)
	if errors.Is(err, research.ErrInvalidSettings) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Service.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []database.JobRecord{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	job, err := h.Service.GetJob(c.Request.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	logs, err := h.Service.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []database.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}
