// Package table reads question and item tables and writes the annotated output, all tab-separated with a header row.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	QuestionTemplateColumn  = "question_template"
	ImageFileTemplateColumn = "image_file_template"

	answerColumnPrefix = "ANS_"
)

// QuestionSpec is a question template with an optional image path template.
type QuestionSpec struct {
	QuestionTemplate  string
	ImageFileTemplate string
}

// HasImage reports whether the question is asked with an image.
func (q QuestionSpec) HasImage() bool {
	return q.ImageFileTemplate != ""
}

// Item is one row of the items table.
type Item struct {
	Fields map[string]string
}

// AnswerColumn names the output column for the question at index.
func AnswerColumn(index int) string {
	return answerColumnPrefix + strconv.Itoa(index)
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}

// ReadQuestions reads a questions table from path.
func ReadQuestions(path string) ([]QuestionSpec, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s) > %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	questions, err := DecodeQuestions(file)
	if err != nil {
		return nil, fmt.Errorf("DecodeQuestions(%s) > %w", path, err)
	}
	return questions, nil
}

// DecodeQuestions reads a questions table with question_template and image_file_template columns.
func DecodeQuestions(r io.Reader) ([]QuestionSpec, error) {
	header, rows, err := readAll(newReader(r))
	if err != nil {
		return nil, err
	}

	questionIndex, imageIndex := -1, -1
	for i, name := range header {
		switch name {
		case QuestionTemplateColumn:
			questionIndex = i
		case ImageFileTemplateColumn:
			imageIndex = i
		}
	}
	if questionIndex < 0 {
		return nil, fmt.Errorf("missing %q column in header %v", QuestionTemplateColumn, header)
	}
	if imageIndex < 0 {
		return nil, fmt.Errorf("missing %q column in header %v", ImageFileTemplateColumn, header)
	}

	questions := make([]QuestionSpec, 0, len(rows))
	for _, row := range rows {
		questions = append(questions, QuestionSpec{
			QuestionTemplate:  field(row, questionIndex),
			ImageFileTemplate: field(row, imageIndex),
		})
	}
	return questions, nil
}

// ReadItems reads an items table from path and returns its header and rows.
func ReadItems(path string) ([]string, []Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("os.Open(%s) > %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	header, items, err := DecodeItems(file)
	if err != nil {
		return nil, nil, fmt.Errorf("DecodeItems(%s) > %w", path, err)
	}
	return header, items, nil
}

// DecodeItems reads an items table. Short rows are padded with empty values.
func DecodeItems(r io.Reader) ([]string, []Item, error) {
	reader := newReader(r)
	header, rows, err := readAll(reader)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(header))
	for _, name := range header {
		if _, ok := seen[name]; ok {
			return nil, nil, fmt.Errorf("duplicate column %q in header", name)
		}
		seen[name] = struct{}{}
	}

	items := make([]Item, 0, len(rows))
	for i, row := range rows {
		if len(row) > len(header) {
			// header is line 1
			return nil, nil, fmt.Errorf("line %d: %d fields for %d header columns", i+2, len(row), len(header))
		}
		fields := make(map[string]string, len(header))
		for j, name := range header {
			fields[name] = field(row, j)
		}
		items = append(items, Item{Fields: fields})
	}
	return header, items, nil
}

func readAll(reader *csv.Reader) ([]string, [][]string, error) {
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reader.Read() > %w", err)
	}

	var rows [][]string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reader.Read() > %w", err)
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func field(row []string, index int) string {
	if index < len(row) {
		return row[index]
	}
	return ""
}

// CheckAnswerColumns fails when an item column would collide with one of the answer columns.
func CheckAnswerColumns(header []string, questionCount int) error {
	for _, name := range header {
		suffix, ok := strings.CutPrefix(name, answerColumnPrefix)
		if !ok {
			continue
		}
		index, err := strconv.Atoi(suffix)
		if err != nil || index < 0 || index >= questionCount || AnswerColumn(index) != name {
			continue
		}
		return fmt.Errorf("item column %q collides with an answer column", name)
	}
	return nil
}
