package table

import (
	"encoding/csv"
	"fmt"
	"io"
)

// Writer writes the annotated table one row at a time.
// Each row is flushed as soon as it is written so that a failed run keeps the finished rows.
type Writer struct {
	csv         *csv.Writer
	columns     []string
	answerCount int
}

// NewWriter returns a writer for the item columns followed by one answer column per question.
func NewWriter(w io.Writer, itemColumns []string, questionCount int) *Writer {
	columns := make([]string, 0, len(itemColumns)+questionCount)
	columns = append(columns, itemColumns...)
	for i := 0; i < questionCount; i++ {
		columns = append(columns, AnswerColumn(i))
	}

	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	return &Writer{
		csv:         writer,
		columns:     columns,
		answerCount: questionCount,
	}
}

// Columns returns the output header.
func (w *Writer) Columns() []string {
	return w.columns
}

func (w *Writer) WriteHeader() error {
	return w.write(w.columns)
}

// WriteRow writes the item fields and answers in column order.
func (w *Writer) WriteRow(item Item, answers []string) error {
	if len(answers) != w.answerCount {
		return fmt.Errorf("got %d answers, want %d", len(answers), w.answerCount)
	}
	record := make([]string, 0, len(w.columns))
	for _, name := range w.columns[:len(w.columns)-w.answerCount] {
		record = append(record, item.Fields[name])
	}
	record = append(record, answers...)
	return w.write(record)
}

func (w *Writer) write(record []string) error {
	if err := w.csv.Write(record); err != nil {
		return fmt.Errorf("csv.Write > %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("csv.Flush > %w", err)
	}
	return nil
}
