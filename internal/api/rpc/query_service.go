// Package rpc exposes the query surface over Connect for service-to-
// service callers that prefer RPC framing to REST.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// QueryProcedure is the Connect route of the query RPC.
const QueryProcedure = "/lorekeep.v1.QueryService/Query"

// QueryService implements lorekeep.v1.QueryService.
type QueryService struct {
	kbs    *kb.Service
	engine *retrieval.Engine
	log    *observability.Logger
}

// NewQueryService creates the RPC query service.
func NewQueryService(kbs *kb.Service, engine *retrieval.Engine, log *observability.Logger) *QueryService {
	return &QueryService{kbs: kbs, engine: engine, log: log.WithComponent("rpc")}
}

// QueryRequest is the RPC request message.
type QueryRequest struct {
	KnowledgeBaseID string   `json:"knowledge_base_id"`
	Query           string   `json:"query"`
	Method          string   `json:"method,omitempty"`
	TopK            int32    `json:"top_k,omitempty"`
	ScoreThreshold  *float64 `json:"score_threshold,omitempty"`
	Rerank          *bool    `json:"rerank,omitempty"`
	RerankMode      string   `json:"rerank_mode,omitempty"`
	FilterDocuments []string `json:"filter_documents,omitempty"`
}

// QueryResponse is the RPC response message.
type QueryResponse struct {
	Chunks     []*ResultChunk `json:"chunks"`
	Method     string         `json:"method"`
	Total      int32          `json:"total"`
	CacheHit   bool           `json:"cache_hit"`
	Warning    string         `json:"warning,omitempty"`
	ComputedAt string         `json:"computed_at"`
	TookMs     int64          `json:"took_ms"`
}

// ResultChunk is one retrieved chunk in the RPC response.
type ResultChunk struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
	KeywordScore  float64 `json:"keyword_score,omitempty"`
}

// Query handles the RPC. Authentication happens in the API-key gate in
// front of the handler; the verified caller rides on the context.
func (s *QueryService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
	msg := req.Msg

	actor := apikey.UserFromContext(ctx)
	if actor == nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, fmt.Errorf("authentication required"))
	}
	kbID, err := uuid.Parse(msg.KnowledgeBaseID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid knowledge_base_id"))
	}

	kbRow, err := s.kbs.Authorize(ctx, kbID, actor, storage.PermissionViewer)
	if err != nil {
		return nil, connectError(err)
	}

	q := retrieval.Query{
		Text:       msg.Query,
		Method:     msg.Method,
		TopK:       int(msg.TopK),
		Threshold:  msg.ScoreThreshold,
		Rerank:     msg.Rerank,
		RerankMode: msg.RerankMode,
	}
	for _, raw := range msg.FilterDocuments {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid document id %q", raw))
		}
		q.FilterDocuments = append(q.FilterDocuments, id)
	}
	if key := apikey.KeyFromContext(ctx); key != nil {
		q.APIKeyID = key.ID.String()
	}

	result, err := s.engine.Search(ctx, kbRow, q)
	if err != nil {
		s.log.Fault(err).Str("kb_id", kbID.String()).Msg("rpc query failed")
		return nil, connectError(err)
	}

	resp := &QueryResponse{
		Method:     result.Method,
		Total:      int32(result.Total),
		CacheHit:   result.CacheHit,
		Warning:    result.Warning,
		ComputedAt: result.ComputedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		TookMs:     result.TookMs,
		Chunks:     make([]*ResultChunk, 0, len(result.Chunks)),
	}
	for _, c := range result.Chunks {
		resp.Chunks = append(resp.Chunks, &ResultChunk{
			ChunkID:       c.ChunkID.String(),
			DocumentID:    c.DocumentID.String(),
			DocumentTitle: c.DocumentTitle,
			Text:          c.Text,
			Score:         c.Score,
			SemanticScore: c.SemanticScore,
			KeywordScore:  c.KeywordScore,
		})
	}
	return connect.NewResponse(resp), nil
}

// Handler returns the route and handler to mount. Messages are plain
// JSON rather than protobuf, so the handler installs a JSON codec.
func (s *QueryService) Handler() (string, http.Handler) {
	return QueryProcedure, connect.NewUnaryHandler(
		QueryProcedure,
		s.Query,
		connect.WithCodec(jsonCodec{}),
	)
}

// connectError maps fault kinds onto Connect codes.
func connectError(err error) *connect.Error {
	var code connect.Code
	switch faults.KindOf(err) {
	case faults.KindUnauthorized, faults.KindInvalidCredential:
		code = connect.CodeUnauthenticated
	case faults.KindPermissionDenied:
		code = connect.CodePermissionDenied
	case faults.KindNotFound:
		code = connect.CodeNotFound
	case faults.KindConflict, faults.KindTrainingInProgress:
		code = connect.CodeAborted
	case faults.KindValidation:
		code = connect.CodeInvalidArgument
	case faults.KindRateLimited, faults.KindOverloaded:
		code = connect.CodeResourceExhausted
	case faults.KindKnowledgeBaseNotReady:
		code = connect.CodeFailedPrecondition
	case faults.KindTimeout:
		code = connect.CodeDeadlineExceeded
	case faults.KindCanceled:
		code = connect.CodeCanceled
	default:
		code = connect.CodeInternal
	}
	return connect.NewError(code, fmt.Errorf("%s", faults.Message(err)))
}

// jsonCodec serializes Connect messages with encoding/json. The query
// messages are hand-written structs, not generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	return json.Unmarshal(data, message)
}
