package web

// This file contains shared request parsing helpers used across handlers.

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/scah/internal/storage"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// parseOptionalInt parses an integer query parameter; blank or invalid
// values give nil.
func parseOptionalInt(r *http.Request, name string) *int {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return nil
	}
	return &i
}

// parseOptionalID is parseOptionalInt for record ids.
func parseOptionalID(r *http.Request, name string) *int64 {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return nil
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil || id < 1 {
		return nil
	}
	return &id
}

// parsePage reads page and page_size into a storage page.
func parsePage(r *http.Request) storage.Page {
	size := parseIntParam(r, "page_size", storage.DefaultPageSize)
	if size > storage.MaxPageSize {
		size = storage.MaxPageSize
	}
	page := parseIntParam(r, "page", 1)
	return storage.Page{Limit: size, Offset: (page - 1) * size}
}

// parseBool accepts "true", "1" and "yes".
func parseBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// urlID parses a numeric path parameter.
func urlID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: bad %s %q", errBadRequest, name, raw)
	}
	return id, nil
}

// parseDay parses a YYYY-MM-DD query parameter. end moves the result to
// the last second of that day so "to" bounds are inclusive.
func parseDay(r *http.Request, name string, end bool) (time.Time, error) {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", errBadRequest, name)
	}
	if end {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// pageResponse wraps one page of search results.
type pageResponse[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
}

func newPage[T any](items []T, total int64, p storage.Page) pageResponse[T] {
	if items == nil {
		items = []T{}
	}
	size := p.Limit
	if size <= 0 {
		size = storage.DefaultPageSize
	}
	return pageResponse[T]{Items: items, Total: total, Page: p.Offset/size + 1, PageSize: size}
}

// attachment sets download headers for a timestamped file name.
func attachment(w http.ResponseWriter, prefix, ext, contentType string) {
	name := fmt.Sprintf("%s_%s.%s", prefix, time.Now().Format("20060102_150405"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
