package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-profile-insights/models"
)

var csvHeader = []string{
	"identity", "score", "post_index", "short_code", "media_type", "like_count",
	"comment_count", "hashtags", "fetched_comments", "first_comment", "caption", "url", "analyzed_at",
}

// CSVWriter exports analysis results, one row per post.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates filename and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends one row per post of result. A result without posts still
// gets a single row so the profile and score are exported.
func (cw *CSVWriter) Write(result *models.AnalysisResult) error {
	if result == nil {
		return nil
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()

	analyzedAt := result.AnalyzedAt.UTC().Format(time.RFC3339)
	if len(result.Posts) == 0 {
		record := []string{result.Profile.Identity, strconv.Itoa(result.Score), "", "", "", "", "", "", "", "", "", result.Profile.CanonicalURL, analyzedAt}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	for i, post := range result.Posts {
		firstComment := ""
		if len(post.Comments) > 0 {
			firstComment = post.Comments[0].Text
		}
		record := []string{
			result.Profile.Identity,
			strconv.Itoa(result.Score),
			strconv.Itoa(i + 1),
			post.ShortCode,
			post.MediaType,
			strconv.Itoa(post.LikeCount),
			strconv.Itoa(post.CommentCount),
			strings.Join(post.Hashtags, " "),
			strconv.Itoa(len(post.Comments)),
			firstComment,
			post.Caption,
			post.CanonicalURL,
			analyzedAt,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}
