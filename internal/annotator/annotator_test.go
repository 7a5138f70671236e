package annotator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/at-ishikawa/annotate/internal/inference"
	mock_inference "github.com/at-ishikawa/annotate/internal/mocks/inference"
	"github.com/at-ishikawa/annotate/internal/table"
	"github.com/at-ishikawa/annotate/internal/template"
	"github.com/at-ishikawa/annotate/internal/testutil"
	"github.com/at-ishikawa/annotate/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func decoded(answer string) inference.GenerateResponse {
	return inference.GenerateResponse{
		Decoded: "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nq<|eot_id|>" +
			"<|start_header_id|>assistant<|end_header_id|>\n\n" + answer + "<|eot_id|>",
	}
}

func item(fields map[string]string) table.Item {
	return table.Item{Fields: fields}
}

// captureLogs redirects the default logger for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(previous)
	})
	return &buf
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)

	got, err := New(nil, nil, Options{DryRun: true})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestAnnotator_Run(t *testing.T) {
	dir := t.TempDir()
	catPath := testutil.WritePNG(t, dir, "cat.png", 8, 8)
	dogPath := testutil.WritePNG(t, dir, "dog.png", 8, 8)

	tests := []struct {
		name        string
		questions   []table.QuestionSpec
		itemColumns []string
		items       []table.Item
		setup       func(client *mock_inference.MockClient)
		want        string
		wantResult  *Result
	}{
		{
			name: "one answer column per question in question order",
			questions: []table.QuestionSpec{
				{QuestionTemplate: "What is {name}?"},
				{QuestionTemplate: "How old is {name}?"},
			},
			itemColumns: []string{"name"},
			items: []table.Item{
				item(map[string]string{"name": "Tama"}),
				item(map[string]string{"name": "Pochi"}),
			},
			setup: func(client *mock_inference.MockClient) {
				gomock.InOrder(
					client.EXPECT().Generate(gomock.Any(), inference.NewQuestionRequest("What is Tama?", nil, 100)).Return(decoded("a cat"), nil),
					client.EXPECT().Generate(gomock.Any(), inference.NewQuestionRequest("How old is Tama?", nil, 100)).Return(decoded("3"), nil),
					client.EXPECT().Generate(gomock.Any(), inference.NewQuestionRequest("What is Pochi?", nil, 100)).Return(decoded("a dog"), nil),
					client.EXPECT().Generate(gomock.Any(), inference.NewQuestionRequest("How old is Pochi?", nil, 100)).Return(decoded("5"), nil),
				)
			},
			want: "name\tANS_0\tANS_1\n" +
				"Tama\ta cat\t3\n" +
				"Pochi\ta dog\t5\n",
			wantResult: &Result{Items: 2, Prompts: 4, ModelCalls: 4},
		},
		{
			name: "identical question and image pairs call the model once",
			questions: []table.QuestionSpec{
				{QuestionTemplate: "What animal is this?", ImageFileTemplate: "{image}"},
			},
			itemColumns: []string{"id", "image"},
			items: []table.Item{
				item(map[string]string{"id": "1", "image": catPath}),
				item(map[string]string{"id": "2", "image": dogPath}),
				item(map[string]string{"id": "3", "image": catPath}),
			},
			setup: func(client *mock_inference.MockClient) {
				client.EXPECT().Generate(gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, params inference.GenerateRequest) (inference.GenerateResponse, error) {
						require.Len(t, params.Images, 1)
						assert.Equal(t, catPath, params.Images[0].Path)
						assert.Equal(t, 100, params.MaxTokens)
						return decoded("a cat"), nil
					}).Times(1)
				client.EXPECT().Generate(gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, params inference.GenerateRequest) (inference.GenerateResponse, error) {
						require.Len(t, params.Images, 1)
						assert.Equal(t, dogPath, params.Images[0].Path)
						return decoded("a dog"), nil
					}).Times(1)
			},
			want: "id\timage\tANS_0\n" +
				"1\t" + catPath + "\ta cat\n" +
				"2\t" + dogPath + "\ta dog\n" +
				"3\t" + catPath + "\ta cat\n",
			wantResult: &Result{Items: 3, Prompts: 3, ModelCalls: 2, CacheHits: 1},
		},
		{
			name: "same question with and without image are different pairs",
			questions: []table.QuestionSpec{
				{QuestionTemplate: "Describe it."},
				{QuestionTemplate: "Describe it.", ImageFileTemplate: catPath},
			},
			items: []table.Item{item(nil)},
			setup: func(client *mock_inference.MockClient) {
				client.EXPECT().Generate(gomock.Any(), inference.NewQuestionRequest("Describe it.", nil, 100)).Return(decoded("nothing to describe"), nil)
				client.EXPECT().Generate(gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, params inference.GenerateRequest) (inference.GenerateResponse, error) {
						require.Len(t, params.Images, 1)
						return decoded("a red square"), nil
					})
			},
			want: "ANS_0\tANS_1\n" +
				"nothing to describe\ta red square\n",
			wantResult: &Result{Items: 1, Prompts: 2, ModelCalls: 2},
		},
		{
			name: "no items writes only the header",
			questions: []table.QuestionSpec{
				{QuestionTemplate: "What is {name}?"},
			},
			itemColumns: []string{"name"},
			setup:       func(client *mock_inference.MockClient) {},
			want:        "name\tANS_0\n",
			wantResult:  &Result{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureLogs(t)
			ctrl := gomock.NewController(t)
			client := mock_inference.NewMockClient(ctrl)
			tt.setup(client)

			annotator, err := New(client, tt.questions, Options{MaxTokens: 100})
			require.NoError(t, err)

			var out bytes.Buffer
			got, err := annotator.Run(context.Background(), &out, tt.itemColumns, tt.items)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.String())
			assert.Equal(t, tt.wantResult, got)
		})
	}
}

func TestAnnotator_Run_DryRun(t *testing.T) {
	dir := t.TempDir()
	catPath := testutil.WritePNG(t, dir, "cat.png", 8, 8)
	logs := captureLogs(t)

	questions := []table.QuestionSpec{
		{QuestionTemplate: "What is {name}?"},
		{QuestionTemplate: "Is {name} in the picture?", ImageFileTemplate: "{image}"},
	}
	items := []table.Item{
		item(map[string]string{"name": "Tama", "image": catPath}),
		item(map[string]string{"name": "Tama", "image": catPath}),
		item(map[string]string{"name": "Pochi", "image": catPath}),
	}

	// no model client at all
	annotator, err := New(nil, questions, Options{DryRun: true, MaxTokens: 100})
	require.NoError(t, err)

	var out bytes.Buffer
	got, err := annotator.Run(context.Background(), &out, []string{"name", "image"}, items)
	require.NoError(t, err)

	assert.Empty(t, out.String())
	assert.Equal(t, &Result{Items: 3, Prompts: 6}, got)
	assert.Equal(t, 6, strings.Count(logs.String(), "I would have asked the model"))
	assert.Equal(t, 3, strings.Count(logs.String(), "image="+catPath))
	assert.Contains(t, logs.String(), `question="What is Pochi?"`)
	assert.Equal(t, 3, strings.Count(logs.String(), "Processed item"))
}

func TestAnnotator_Run_EarlierAnswers(t *testing.T) {
	dir := t.TempDir()
	catPath := testutil.WritePNG(t, dir, "cat.png", 8, 8)

	questions := []table.QuestionSpec{
		{QuestionTemplate: "What is {name}?"},
		{QuestionTemplate: "Why is it {ANS_0}?", ImageFileTemplate: "{image}"},
	}
	items := []table.Item{
		item(map[string]string{"name": "Tama", "image": catPath}),
	}

	t.Run("answers are available to later questions", func(t *testing.T) {
		captureLogs(t)
		ctrl := gomock.NewController(t)
		client := mock_inference.NewMockClient(ctrl)
		gomock.InOrder(
			client.EXPECT().Generate(gomock.Any(), inference.NewQuestionRequest("What is Tama?", nil, 100)).Return(decoded("a cat"), nil),
			client.EXPECT().Generate(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, params inference.GenerateRequest) (inference.GenerateResponse, error) {
					require.Len(t, params.Messages, 1)
					require.Len(t, params.Images, 1)
					assert.Equal(t, catPath, params.Images[0].Path)
					assert.Equal(t, inference.NewQuestionRequest("Why is it a cat?", params.Images[0], 100), params)
					return decoded("it meows"), nil
				}),
		)

		annotator, err := New(client, questions, Options{MaxTokens: 100})
		require.NoError(t, err)

		var out bytes.Buffer
		_, err = annotator.Run(context.Background(), &out, []string{"name", "image"}, items)
		require.NoError(t, err)
		assert.Equal(t, "name\timage\tANS_0\tANS_1\n"+
			"Tama\t"+catPath+"\ta cat\tit meows\n", out.String())
		assert.Equal(t, map[string]string{"name": "Tama", "image": catPath}, items[0].Fields)
	})

	t.Run("dry run renders placeholders of earlier questions", func(t *testing.T) {
		logs := captureLogs(t)

		annotator, err := New(nil, questions, Options{DryRun: true, MaxTokens: 100})
		require.NoError(t, err)

		var out bytes.Buffer
		_, err = annotator.Run(context.Background(), &out, []string{"name", "image"}, items)
		require.NoError(t, err)
		assert.Empty(t, out.String())
		assert.Contains(t, logs.String(), `question="Why is it 0?"`)
	})

	t.Run("later answers are not available yet", func(t *testing.T) {
		captureLogs(t)

		annotator, err := New(nil, []table.QuestionSpec{
			{QuestionTemplate: "Is it {ANS_1}?"},
			{QuestionTemplate: "What is {name}?"},
		}, Options{DryRun: true, MaxTokens: 100})
		require.NoError(t, err)

		var out bytes.Buffer
		_, err = annotator.Run(context.Background(), &out, []string{"name", "image"}, items)
		var formatErr *template.FormatError
		require.True(t, errors.As(err, &formatErr))
		assert.Equal(t, "ANS_1", formatErr.Field)
	})
}

func TestAnnotator_Run_Errors(t *testing.T) {
	dir := t.TempDir()
	catPath := testutil.WritePNG(t, dir, "cat.png", 8, 8)

	tests := []struct {
		name        string
		questions   []table.QuestionSpec
		itemColumns []string
		items       []table.Item
		dryRun      bool
		setup       func(client *mock_inference.MockClient)
		wantOutput  string
		check       func(t *testing.T, err error)
	}{
		{
			name:        "missing field fails before any model call",
			questions:   []table.QuestionSpec{{QuestionTemplate: "Who painted {title}?"}},
			itemColumns: []string{"name"},
			items:       []table.Item{item(map[string]string{"name": "x"})},
			setup:       func(client *mock_inference.MockClient) {},
			wantOutput:  "name\tANS_0\n",
			check: func(t *testing.T, err error) {
				var formatErr *template.FormatError
				require.True(t, errors.As(err, &formatErr))
				assert.Equal(t, "title", formatErr.Field)
				assert.Contains(t, err.Error(), "item #1, question #0")
			},
		},
		{
			name: "missing field in a later item keeps earlier rows",
			questions: []table.QuestionSpec{
				{QuestionTemplate: "Who painted {title}?"},
			},
			itemColumns: []string{"title"},
			items: []table.Item{
				item(map[string]string{"title": "Mona Lisa"}),
				item(map[string]string{}),
			},
			setup: func(client *mock_inference.MockClient) {
				client.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(decoded("da Vinci"), nil)
			},
			wantOutput: "title\tANS_0\nMona Lisa\tda Vinci\n",
			check: func(t *testing.T, err error) {
				var formatErr *template.FormatError
				assert.True(t, errors.As(err, &formatErr))
				assert.Contains(t, err.Error(), "item #2")
			},
		},
		{
			name:        "missing image file",
			questions:   []table.QuestionSpec{{QuestionTemplate: "What is this?", ImageFileTemplate: "{image}"}},
			itemColumns: []string{"image"},
			items:       []table.Item{item(map[string]string{"image": filepath.Join(dir, "missing.png")})},
			setup:       func(client *mock_inference.MockClient) {},
			wantOutput:  "image\tANS_0\n",
			check: func(t *testing.T, err error) {
				var loadErr *vision.ImageLoadError
				assert.True(t, errors.As(err, &loadErr))
			},
		},
		{
			name:        "image template rendering an empty path",
			questions:   []table.QuestionSpec{{QuestionTemplate: "What is this?", ImageFileTemplate: "{image}"}},
			itemColumns: []string{"image"},
			items:       []table.Item{item(map[string]string{"image": ""})},
			dryRun:      true,
			setup:       func(client *mock_inference.MockClient) {},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, vision.ErrEmptyPath)
			},
		},
		{
			name:        "model error aborts the run",
			questions:   []table.QuestionSpec{{QuestionTemplate: "What is this?", ImageFileTemplate: catPath}},
			itemColumns: nil,
			items:       []table.Item{item(nil)},
			setup: func(client *mock_inference.MockClient) {
				client.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(inference.GenerateResponse{}, fmt.Errorf("response error 400: bad image"))
			},
			wantOutput: "ANS_0\n",
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "client.Generate > response error 400")
			},
		},
		{
			name:        "item column collides with an answer column",
			questions:   []table.QuestionSpec{{QuestionTemplate: "q"}},
			itemColumns: []string{"ANS_0"},
			items:       []table.Item{item(map[string]string{"ANS_0": "x"})},
			setup:       func(client *mock_inference.MockClient) {},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, `item column "ANS_0" collides with an answer column`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureLogs(t)
			ctrl := gomock.NewController(t)
			client := mock_inference.NewMockClient(ctrl)
			tt.setup(client)

			annotator, err := New(client, tt.questions, Options{MaxTokens: 10, DryRun: tt.dryRun})
			require.NoError(t, err)

			var out bytes.Buffer
			_, err = annotator.Run(context.Background(), &out, tt.itemColumns, tt.items)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.wantOutput, out.String())
		})
	}
}

func TestAnswerCache(t *testing.T) {
	cache := NewAnswerCache()

	noImage := CacheKey{Question: "q"}
	emptyImage := CacheKey{Question: "q", HasImage: true}

	cache.Put(noImage, "without image")
	_, ok := cache.Get(emptyImage)
	assert.False(t, ok)

	cache.Put(emptyImage, "with empty image path")
	got, ok := cache.Get(noImage)
	require.True(t, ok)
	assert.Equal(t, "without image", got)
	got, ok = cache.Get(emptyImage)
	require.True(t, ok)
	assert.Equal(t, "with empty image path", got)
	assert.Equal(t, 2, cache.Len())
}
