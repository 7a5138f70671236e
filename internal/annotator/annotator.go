// Package annotator asks every question about every item and writes the answers next to the item fields.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"

	"github.com/at-ishikawa/annotate/internal/inference"
	"github.com/at-ishikawa/annotate/internal/table"
	"github.com/at-ishikawa/annotate/internal/template"
	"github.com/at-ishikawa/annotate/internal/vision"
)

// Options controls a single run.
type Options struct {
	MaxTokens int
	DryRun    bool
	Images    vision.Options
}

// Result counts what a run did.
type Result struct {
	Items      int
	Prompts    int
	ModelCalls int
	CacheHits  int
}

// Annotator asks each question about each item.
// The model client is only used outside dry-run and may be nil in dry-run.
type Annotator struct {
	client    inference.Client
	questions []table.QuestionSpec
	cache     *AnswerCache
	opts      Options
}

// New creates an Annotator. client may be nil when opts.DryRun is set.
func New(client inference.Client, questions []table.QuestionSpec, opts Options) (*Annotator, error) {
	if client == nil && !opts.DryRun {
		return nil, errors.New("a model client is required unless running dry")
	}
	return &Annotator{
		client:    client,
		questions: questions,
		cache:     NewAnswerCache(),
		opts:      opts,
	}, nil
}

// Run processes items in order and writes one output row per item to w.
// itemColumns lists the item fields copied to the output, in order.
// In dry-run nothing is written to w.
func (a *Annotator) Run(ctx context.Context, w io.Writer, itemColumns []string, items []table.Item) (*Result, error) {
	if err := table.CheckAnswerColumns(itemColumns, len(a.questions)); err != nil {
		return nil, err
	}

	var result Result
	writer := table.NewWriter(w, itemColumns, len(a.questions))
	if !a.opts.DryRun {
		if err := writer.WriteHeader(); err != nil {
			return &result, fmt.Errorf("writer.WriteHeader > %w", err)
		}
	}
	slog.Default().Debug("output columns", "columns", writer.Columns())

	for itemNum, item := range items {
		slog.Default().Warn("Processed item", "number", itemNum+1)

		// later questions may refer to earlier answers as {ANS_<n>}
		fields := make(map[string]string, len(item.Fields)+len(a.questions))
		maps.Copy(fields, item.Fields)

		answers := make([]string, len(a.questions))
		for i, question := range a.questions {
			answer, err := a.answer(ctx, i, question, fields, &result)
			if err != nil {
				return &result, fmt.Errorf("item #%d, question #%d > %w", itemNum+1, i, err)
			}
			answers[i] = answer
			fields[table.AnswerColumn(i)] = answer
		}
		result.Items++

		if a.opts.DryRun {
			continue
		}
		if err := writer.WriteRow(item, answers); err != nil {
			return &result, fmt.Errorf("writer.WriteRow > %w", err)
		}
	}
	return &result, nil
}

func (a *Annotator) answer(ctx context.Context, index int, question table.QuestionSpec, fields map[string]string, result *Result) (string, error) {
	text, err := template.Render(question.QuestionTemplate, fields)
	if err != nil {
		return "", err
	}

	key := CacheKey{Question: text}
	var img *vision.Image
	if question.HasImage() {
		key.HasImage = true
		key.ImagePath, err = template.Render(question.ImageFileTemplate, fields)
		if err != nil {
			return "", err
		}
		img, err = vision.Open(key.ImagePath, a.opts.Images)
		if err != nil {
			return "", err
		}
	}
	result.Prompts++

	if a.opts.DryRun {
		if key.HasImage {
			slog.Default().Warn("I would have asked the model", "image", key.ImagePath, "question", text)
		} else {
			slog.Default().Warn("I would have asked the model", "question", text)
		}
		return strconv.Itoa(index), nil
	}

	if answer, ok := a.cache.Get(key); ok {
		result.CacheHits++
		slog.Default().Debug("cached answer", "question", text, "image", key.ImagePath)
		return answer, nil
	}

	response, err := a.client.Generate(ctx, inference.NewQuestionRequest(text, img, a.opts.MaxTokens))
	if err != nil {
		return "", fmt.Errorf("client.Generate > %w", err)
	}
	result.ModelCalls++

	answer := inference.ExtractAnswer(response.Decoded)
	a.cache.Put(key, answer)
	slog.Default().Info("model answered", "question", text, "image", key.ImagePath, "answer", answer)
	return answer, nil
}
