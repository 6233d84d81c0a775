// Package httpapi is the HTTP front door: a gin router exposing /healthz
// and an OpenAI-compatible /v1/chat/completions endpoint that streams
// token deltas as newline-delimited JSON chunks.
//
// Grounded on server/routes.go's GenerateRoutes (gin.Default, cors.New
// wired from envconfig.AllowedOrigins, gin.H JSON responses) and on
// runner/llamarunner/handlers.go's completion handler (chunked
// Transfer-Encoding, an http.Flusher after every write), adapted from the
// original Rust source's handler::chat_completions (referenced from
// main.rs's axum router: POST /v1/chat/completions, GET /healthz).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coregen/llamasched/internal/envconfig"
	"github.com/coregen/llamasched/internal/modelmanager"
	"github.com/coregen/llamasched/internal/processor"
	"github.com/coregen/llamasched/internal/task"
)

// ProcessorFor resolves the Processor driving a given model path,
// constructing one (and its backing model/context) on first use.
type ProcessorFor func(ctx context.Context, modelPath string) (*processor.Processor, error)

// Server wires the model manager and per-model processors behind gin
// routes.
type Server struct {
	manager      *modelmanager.Manager
	processorFor ProcessorFor
	router       *gin.Engine
}

// New builds a Server. processorFor is injected so tests can supply an
// in-memory Processor backed by native/fake without a real model file.
func New(manager *modelmanager.Manager, processorFor ProcessorFor) *Server {
	s := &Server{manager: manager, processorFor: processorFor}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if !envconfig.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept"}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", s.healthz)
	r.POST("/v1/chat/completions", s.chatCompletions)
	return r
}

// Handler exposes the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"models": s.manager.Loaded(),
	})
}

// chatMessage is one OpenAI-style message in a request body.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is a minimal OpenAI-compatible request body: the
// scheduler core has no chat templating of its own, so messages are
// flattened into a single prompt by the caller-visible role/content
// convention, matching what the original Rust handler accepts.
type chatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	MaxTokens        *int          `json:"max_tokens"`
	Temperature      *float64      `json:"temperature"`
	TopK             *int          `json:"top_k"`
	TopP             *float64      `json:"top_p"`
	FrequencyPenalty *float64      `json:"frequency_penalty"`
	PresencePenalty  *float64      `json:"presence_penalty"`
	Seed             *uint32       `json:"seed"`
	Stop             []string      `json:"stop"`
}

func (r chatCompletionRequest) prompt() string {
	var out string
	for _, m := range r.Messages {
		out += fmt.Sprintf("<|%s|>\n%s\n", m.Role, m.Content)
	}
	out += "<|assistant|>\n"
	return out
}

// chatCompletionChunk is one streamed response line.
type chatCompletionChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Choices []struct {
		Delta        chatMessage `json:"delta,omitempty"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (s *Server) chatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	proc, err := s.processorFor(c.Request.Context(), req.Model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("load model: %v", err)})
		return
	}

	respCh := make(chan task.Response, 8)
	t := task.Task{
		ID:     uuid.NewString(),
		Prompt: req.prompt(),
		Params: task.Params{
			MaxTokens:        req.MaxTokens,
			Temperature:      req.Temperature,
			TopK:             req.TopK,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			Seed:             req.Seed,
		},
		Stop:       req.Stop,
		ResponseTx: respCh,
	}

	if err := proc.Submit(t); err != nil {
		status := http.StatusInternalServerError
		if submitErr, ok := asSubmitError(err); ok {
			if submitErr.Err == task.ErrQueueFull {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Transfer-Encoding", "chunked")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	for resp := range respCh {
		chunk := chatCompletionChunk{ID: t.ID, Object: "chat.completion.chunk"}
		chunk.Choices = make([]struct {
			Delta        chatMessage `json:"delta,omitempty"`
			FinishReason *string     `json:"finish_reason"`
		}, 1)

		switch resp.Kind {
		case task.ResponseToken:
			chunk.Choices[0].Delta = chatMessage{Role: "assistant", Content: resp.Token}
		case task.ResponseComplete:
			reason := "stop"
			chunk.Choices[0].FinishReason = &reason
			chunk.Usage = &usage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}
		case task.ResponseError:
			c.JSON(http.StatusInternalServerError, gin.H{"error": resp.Err.String()})
			return
		}

		b, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		if _, err := c.Writer.Write(append(b, '\n')); err != nil {
			return
		}
		flusher.Flush()

		if resp.Kind == task.ResponseComplete {
			return
		}
	}
}

func asSubmitError(err error) (*task.SubmitError, bool) {
	se, ok := err.(*task.SubmitError)
	return se, ok
}
