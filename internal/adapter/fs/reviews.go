package fs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"reviewsearch/internal/domain"
)

// ReadReviews streams the reviews stored at path to fn. Files ending in
// .jsonl hold one review object per line; other files hold a JSON array
// of reviews or an object {"reviews": [...]}, the bulk request body.
func ReadReviews(path string, fn func(domain.Review) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return DecodeJSONL(f, fn)
	}
	return DecodeJSON(f, fn)
}

// DecodeJSONL reads one review per line. Blank lines are skipped.
func DecodeJSONL(r io.Reader, fn func(domain.Review) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		var rev domain.Review
		if err := json.Unmarshal(data, &rev); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(rev); err != nil {
			return err
		}
	}
	return sc.Err()
}

// DecodeJSON reads an array of reviews or a {"reviews": [...]} document.
func DecodeJSON(r io.Reader, fn func(domain.Review) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	data = bytes.TrimSpace(data)

	var reviews []domain.Review
	switch {
	case len(data) == 0:
		return nil
	case data[0] == '[':
		err = json.Unmarshal(data, &reviews)
	default:
		var bulk struct {
			Reviews []domain.Review `json:"reviews"`
		}
		err = json.Unmarshal(data, &bulk)
		reviews = bulk.Reviews
	}
	if err != nil {
		return err
	}

	for _, rev := range reviews {
		if err := fn(rev); err != nil {
			return err
		}
	}
	return nil
}
