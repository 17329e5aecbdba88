package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/training"
)

// KnowledgeBaseHandler serves the /knowledge-bases family.
type KnowledgeBaseHandler struct {
	kbs         *kb.Service
	coordinator *training.Coordinator
	engine      *retrieval.Engine
	usage       *storage.UsageRepository
	cache       cache.Client
	maxUpload   int64
}

// NewKnowledgeBaseHandler wires the knowledge-base routes.
func NewKnowledgeBaseHandler(kbs *kb.Service, coordinator *training.Coordinator,
	engine *retrieval.Engine, usage *storage.UsageRepository, c cache.Client,
	maxUpload int64) *KnowledgeBaseHandler {

	return &KnowledgeBaseHandler{
		kbs:         kbs,
		coordinator: coordinator,
		engine:      engine,
		usage:       usage,
		cache:       c,
		maxUpload:   maxUpload,
	}
}

type kbCreateDTO struct {
	Name           string               `json:"name"`
	Domain         string               `json:"domain,omitempty"`
	ExampleQueries []string             `json:"example_queries,omitempty"`
	EntityTypes    []string             `json:"entity_types,omitempty"`
	LLMConfig      *storage.LLMSettings `json:"llm_config,omitempty"`
}

// Create handles POST /knowledge-bases.
func (h *KnowledgeBaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var dto kbCreateDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	created, err := h.kbs.Create(r.Context(), actor(r), kb.CreateParams{
		Name:           dto.Name,
		Domain:         dto.Domain,
		ExampleQueries: dto.ExampleQueries,
		EntityTypes:    dto.EntityTypes,
		LLMConfig:      dto.LLMConfig,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusCreated, created)
}

// List handles GET /knowledge-bases.
func (h *KnowledgeBaseHandler) List(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.kbs.List(r.Context(), actor(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, kbs)
}

// Get handles GET /knowledge-bases/{kbID}.
func (h *KnowledgeBaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	row, err := h.kbs.Get(r.Context(), actor(r), kbID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, row)
}

type kbUpdateDTO struct {
	Name           *string              `json:"name,omitempty"`
	Domain         *string              `json:"domain,omitempty"`
	ExampleQueries []string             `json:"example_queries,omitempty"`
	EntityTypes    []string             `json:"entity_types,omitempty"`
	LLMConfig      *storage.LLMSettings `json:"llm_config,omitempty"`
}

// Update handles PUT /knowledge-bases/{kbID}.
func (h *KnowledgeBaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var dto kbUpdateDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	row, err := h.kbs.Update(r.Context(), actor(r), kbID, kb.UpdateParams{
		Name:           dto.Name,
		Domain:         dto.Domain,
		ExampleQueries: dto.ExampleQueries,
		EntityTypes:    dto.EntityTypes,
		LLMConfig:      dto.LLMConfig,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, row)
}

// Delete handles DELETE /knowledge-bases/{kbID}.
func (h *KnowledgeBaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.kbs.Delete(r.Context(), actor(r), kbID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "knowledge base deleted")
}

// Stats handles GET /knowledge-bases/{kbID}/stats.
func (h *KnowledgeBaseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	stats, err := h.kbs.Stats(r.Context(), actor(r), kbID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, stats)
}

// Members handles GET /knowledge-bases/{kbID}/members.
func (h *KnowledgeBaseHandler) Members(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	members, err := h.kbs.Members(r.Context(), actor(r), kbID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, members)
}

type memberDTO struct {
	Permission string `json:"permission"`
}

// SetMember handles PUT /knowledge-bases/{kbID}/members/{userID}.
func (h *KnowledgeBaseHandler) SetMember(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var dto memberDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.kbs.SetMember(r.Context(), actor(r), kbID, userID,
		storage.Permission(dto.Permission)); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "membership updated")
}

// RemoveMember handles DELETE /knowledge-bases/{kbID}/members/{userID}.
func (h *KnowledgeBaseHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.kbs.RemoveMember(r.Context(), actor(r), kbID, userID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "member removed")
}

// Upload handles POST /knowledge-bases/{kbID}/documents (multipart).
func (h *KnowledgeBaseHandler) Upload(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		WriteError(w, faults.Wrap(faults.KindFileTooLarge, err, "upload exceeds the size limit"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, faults.New(faults.KindValidation, "a file field is required"))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, faults.Wrap(faults.KindValidation, err, "read upload"))
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}
	doc, err := h.kbs.UploadDocument(r.Context(), actor(r), kbID, raw,
		header.Header.Get("Content-Type"), title, r.FormValue("source_url"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusCreated, doc)
}

// Documents handles GET /knowledge-bases/{kbID}/documents.
func (h *KnowledgeBaseHandler) Documents(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	docs, err := h.kbs.Documents(r.Context(), actor(r), kbID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, docs)
}

// Document handles GET /knowledge-bases/{kbID}/documents/{docID}.
func (h *KnowledgeBaseHandler) Document(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	docID, err := pathUUID(r, "docID")
	if err != nil {
		WriteError(w, err)
		return
	}
	doc, err := h.kbs.Document(r.Context(), actor(r), kbID, docID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /knowledge-bases/{kbID}/documents/{docID}.
func (h *KnowledgeBaseHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	docID, err := pathUUID(r, "docID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.kbs.DeleteDocument(r.Context(), actor(r), kbID, docID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "document deleted")
}

// Train handles POST /knowledge-bases/{kbID}/train.
func (h *KnowledgeBaseHandler) Train(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.coordinator.Train(r.Context(), actor(r), kbID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusAccepted, "training queued")
}

// StopTraining handles POST /knowledge-bases/{kbID}/train/stop.
func (h *KnowledgeBaseHandler) StopTraining(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.coordinator.Stop(r.Context(), actor(r), kbID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "stop requested")
}

// TrainingStatus handles GET /knowledge-bases/{kbID}/train/status.
func (h *KnowledgeBaseHandler) TrainingStatus(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	status, err := h.coordinator.Status(r.Context(), actor(r), kbID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, status)
}

type queryDTO struct {
	Query           string   `json:"query"`
	Method          string   `json:"method,omitempty"`
	TopK            int      `json:"top_k,omitempty"`
	ScoreThreshold  *float64 `json:"score_threshold,omitempty"`
	Rerank          *bool    `json:"rerank,omitempty"`
	RerankMode      string   `json:"rerank_mode,omitempty"`
	SemanticWeight  *float64 `json:"semantic_weight,omitempty"`
	KeywordWeight   *float64 `json:"keyword_weight,omitempty"`
	FilterDocuments []string `json:"filter_documents,omitempty"`
}

// Query handles POST /knowledge-bases/{kbID}/query.
func (h *KnowledgeBaseHandler) Query(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var dto queryDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}

	kbRow, err := h.kbs.Authorize(r.Context(), kbID, actor(r), storage.PermissionViewer)
	if err != nil {
		WriteError(w, err)
		return
	}

	q := retrieval.Query{
		Text:           dto.Query,
		Method:         dto.Method,
		TopK:           dto.TopK,
		Threshold:      dto.ScoreThreshold,
		Rerank:         dto.Rerank,
		RerankMode:     dto.RerankMode,
		SemanticWeight: dto.SemanticWeight,
		KeywordWeight:  dto.KeywordWeight,
	}
	for _, raw := range dto.FilterDocuments {
		id, err := uuid.Parse(raw)
		if err != nil {
			WriteError(w, faults.Newf(faults.KindValidation, "invalid document id %q", raw))
			return
		}
		q.FilterDocuments = append(q.FilterDocuments, id)
	}
	if key := apikey.KeyFromContext(r.Context()); key != nil {
		q.APIKeyID = key.ID.String()
	}

	result, err := h.engine.Search(r.Context(), kbRow, q)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, result)
}

// CacheStats handles GET /knowledge-bases/{kbID}/cache.
func (h *KnowledgeBaseHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := h.kbs.Authorize(r.Context(), kbID, actor(r), storage.PermissionViewer); err != nil {
		WriteError(w, err)
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
			days = n
		}
	}
	stats, err := h.usage.StatsForKB(r.Context(), kbID, days)
	if err != nil {
		WriteError(w, faults.Wrap(faults.KindDatabaseError, err, "usage stats"))
		return
	}
	WriteData(w, http.StatusOK, stats)
}

// ClearCache handles DELETE /knowledge-bases/{kbID}/cache and drops the
// KB's cached query results.
func (h *KnowledgeBaseHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := h.kbs.Authorize(r.Context(), kbID, actor(r), storage.PermissionEditor); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.cache.DeleteByPrefix(r.Context(), cache.KBKey(kbID.String(), "query")); err != nil {
		WriteError(w, faults.Wrap(faults.KindCacheError, err, "clear query cache"))
		return
	}
	WriteMessage(w, http.StatusOK, "query cache cleared")
}

// actor returns the authenticated user; the gate guarantees presence.
func actor(r *http.Request) *storage.User {
	return apikey.UserFromContext(r.Context())
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, faults.Newf(faults.KindValidation, "invalid %s", name)
	}
	return id, nil
}
