// Package retrieval assembles grounding context for generation from the knowledge cache
// or, when the cache is empty, from vector search.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kbflow/internal/logging"
	"kbflow/internal/models"
	"kbflow/internal/providers"
	"kbflow/internal/storage"
	"kbflow/internal/util"
	"kbflow/internal/vector"
)

type ChunkCache interface {
	GetCachedChunks(ctx context.Context, ownerID string) []models.CachedChunk
}

type Searcher interface {
	Search(ctx context.Context, ownerID, query string, opts vector.Options) ([]models.ChunkResult, error)
}

type AuditLog interface {
	Insert(ctx context.Context, rec storage.LLMCallRecord) error
}

// Source is one retrieved chunk. Similarity is zero for cached chunks.
type Source struct {
	ChunkID        string
	DocumentTitle  string
	CollectionName *string
	ChunkIndex     int
	Content        string
	Similarity     float64
}

type Context struct {
	FromCache bool
	Sources   []Source
}

// Blocks renders every source as "[source: <title>]\n<content>".
func (c Context) Blocks() []string {
	out := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, FormatSource(s.DocumentTitle, s.Content))
	}
	return out
}

func FormatSource(title, content string) string {
	return fmt.Sprintf("[source: %s]\n%s", title, content)
}

type Retriever struct {
	cache    ChunkCache
	searcher Searcher
	llm      providers.LLMProvider
	llmRef   providers.ProviderRef
	audit    AuditLog
	log      *zap.Logger
}

// New builds a Retriever. cache, llm and audit may be nil.
func New(cache ChunkCache, searcher Searcher, log *zap.Logger) *Retriever {
	return &Retriever{cache: cache, searcher: searcher, log: logging.OrNop(log)}
}

// WithLLM enables Ask. audit may be nil.
func (r *Retriever) WithLLM(llm providers.LLMProvider, ref providers.ProviderRef, audit AuditLog) *Retriever {
	r.llm = llm
	r.llmRef = ref
	r.audit = audit
	return r
}

// Context returns the owner's cached chunks when there are any and falls back to
// vector search otherwise.
func (r *Retriever) Context(ctx context.Context, ownerID, query string, opts vector.Options) (Context, error) {
	if r.cache != nil {
		if cached := r.cache.GetCachedChunks(ctx, ownerID); len(cached) > 0 {
			out := Context{FromCache: true, Sources: make([]Source, 0, len(cached))}
			for _, c := range cached {
				out.Sources = append(out.Sources, Source{
					ChunkID:        c.ID,
					DocumentTitle:  c.DocumentTitle,
					CollectionName: c.CollectionName,
					ChunkIndex:     c.ChunkIndex,
					Content:        c.Content,
				})
			}
			r.log.Debug("context from knowledge cache", zap.String("owner_id", ownerID), zap.Int("chunks", len(out.Sources)))
			return out, nil
		}
	}

	results, err := r.searcher.Search(ctx, ownerID, query, opts)
	if err != nil {
		return Context{}, err
	}
	out := Context{Sources: make([]Source, 0, len(results))}
	for _, res := range results {
		out.Sources = append(out.Sources, Source{
			ChunkID:        res.ChunkID,
			DocumentTitle:  res.DocumentTitle,
			CollectionName: res.CollectionName,
			ChunkIndex:     res.ChunkIndex,
			Content:        res.Content,
			Similarity:     res.Similarity,
		})
	}
	r.log.Debug("context from vector search", zap.String("owner_id", ownerID), zap.Int("chunks", len(out.Sources)))
	return out, nil
}

type Answer struct {
	Text      string
	Context   Context
	Provider  string
	Model     string
	Generated bool
}

const noContextAnswer = "No relevant knowledge was found for this question."

// Ask answers question from the retrieved context with the configured LLM.
func (r *Retriever) Ask(ctx context.Context, ownerID, question string, opts vector.Options) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question is required")
	}
	if r.llm == nil {
		return Answer{}, fmt.Errorf("no llm provider configured")
	}
	kctx, err := r.Context(ctx, ownerID, question, opts)
	if err != nil {
		return Answer{}, err
	}
	if len(kctx.Sources) == 0 {
		return Answer{Text: noContextAnswer, Context: kctx}, nil
	}

	blocks := kctx.Blocks()
	resp, info, err := r.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "kb_answer",
		Prompt:    answerPrompt(question),
		Context:   blocks,
	})
	r.record(ctx, ownerID, info, len(blocks), err)
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}

	out := Answer{Context: kctx, Provider: r.llmRef.Name, Model: info.Model, Generated: true}
	out.Text = strings.TrimSpace(resp.Text)
	if out.Text == "" {
		out.Text = fallbackExtractiveAnswer(kctx.Sources, question)
		out.Generated = false
	}
	return out, nil
}

func (r *Retriever) record(ctx context.Context, ownerID string, info providers.ProviderInfo, chunks int, genErr error) {
	if r.audit == nil {
		return
	}
	rec := storage.LLMCallRecord{
		Operation:     "kb_answer",
		OwnerID:       ownerID,
		ProviderName:  r.llmRef.Name,
		Model:         info.Model,
		ContextChunks: chunks,
		Status:        "ok",
	}
	if genErr != nil {
		rec.Status = "error"
		rec.ErrorType = string(providers.ClassifyError(genErr))
	}
	if err := r.audit.Insert(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("record llm call failed", zap.Error(err))
	}
}

func answerPrompt(question string) string {
	return "" +
		"Question: " + question + "\n\n" +
		"Answer using ONLY the provided sources.\n" +
		"Do NOT use outside knowledge.\n" +
		"If the sources do not contain enough information, say what is missing.\n" +
		"Name the source title in square brackets after each claim it supports.\n"
}

func fallbackExtractiveAnswer(sources []Source, question string) string {
	lines := []string{"Relevant passages:"}
	for i, s := range sources {
		if i == 3 {
			break
		}
		snippet := util.DisplayEvidenceSnippet(s.Content, question, 180)
		lines = append(lines, fmt.Sprintf("- %s: %s", util.DisplaySnippet(s.DocumentTitle, 100), snippet))
	}
	return strings.Join(lines, "\n")
}
