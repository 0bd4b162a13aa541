package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/nugget/supporthub/internal/knowledge"
)

// UploadResponse is the reply to POST /upload-document.
type UploadResponse struct {
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Documents   int    `json:"documents"`
}

// DocumentRequest is the body of POST /v1/knowledge/documents.
type DocumentRequest struct {
	Title    string `json:"title"`
	Category string `json:"category"`
	Content  string `json:"content"`
}

func (s *Server) knowledgeReady(w http.ResponseWriter) bool {
	if s.docs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return false
	}
	return true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "document ingestion not configured")
		return
	}

	// Allow for multipart framing on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+64<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if !knowledge.IsSupported(name, contentType) {
		s.errorResponse(w, http.StatusUnsupportedMediaType,
			"unsupported document type: upload markdown (.md) or plain text (.txt)")
		return
	}
	if header.Size > s.maxUpload {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	n, err := s.ingester.Ingest(r.Context(), "upload:"+name, contentType, content)
	if err != nil {
		if errors.Is(err, knowledge.ErrInvalidDocument) {
			s.errorResponse(w, http.StatusBadRequest, "document is empty")
			return
		}
		s.logger.Error("document ingestion failed", "filename", name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to ingest document")
		return
	}

	s.logger.Info("document ingested", "filename", name, "size", len(content), "documents", n)
	s.ok(w, http.StatusOK, UploadResponse{
		Filename:    name,
		Status:      "uploaded",
		Size:        int64(len(content)),
		ContentType: contentType,
		Documents:   n,
	})
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	if !s.knowledgeReady(w) {
		return
	}
	docs, err := s.docs.List(r.Context(), queryInt(r, "limit", 100, 1000))
	if err != nil {
		s.logger.Error("list documents failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	s.ok(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *Server) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	if !s.knowledgeReady(w) {
		return
	}
	doc, err := s.docs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, knowledge.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.logger.Error("get document failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	s.ok(w, http.StatusOK, doc)
}

func (s *Server) handleDocumentCreate(w http.ResponseWriter, r *http.Request) {
	if !s.knowledgeReady(w) {
		return
	}
	var req DocumentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	doc, err := s.docs.Add(r.Context(), knowledge.Document{
		Title:    req.Title,
		Category: req.Category,
		Content:  req.Content,
		Source:   "api",
	})
	if errors.Is(err, knowledge.ErrInvalidDocument) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("add document failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to add document")
		return
	}
	s.ok(w, http.StatusCreated, doc)
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if !s.knowledgeReady(w) {
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	docs, err := s.docs.Search(r.Context(), q, queryInt(r, "limit", 3, 50))
	if err != nil {
		s.logger.Error("knowledge search failed", "query", q, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	s.ok(w, http.StatusOK, map[string]any{"query": q, "results": docs})
}
