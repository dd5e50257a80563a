// Package content talks to the book-source web service that owns the
// bookshelf and chapter lists.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/protocol"
)

const localOrigin = "loc_book"

// Book is an entry of /getBookshelf
type Book struct {
	BookURL         string `json:"bookUrl"`
	Name            string `json:"name"`
	Author          string `json:"author"`
	Origin          string `json:"origin"`
	TotalChapterNum int    `json:"totalChapterNum"`
}

// Chapter is an entry of /getChapterList and /refreshToc
type Chapter struct {
	Title    string `json:"title"`
	Index    int    `json:"index"`
	IsVolume bool   `json:"isVolume"`
}

type envelope[T any] struct {
	IsSuccess bool   `json:"isSuccess"`
	ErrorMsg  string `json:"errorMsg"`
	Data      T      `json:"data"`
}

// HTTPLibrary implements protocol.Library against the web service
type HTTPLibrary struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

// NewHTTPLibrary creates a new HTTP library client
func NewHTTPLibrary(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPLibrary {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLibrary{
		logger:  logger.Named("content"),
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// get performs a GET and decodes the JSON envelope into out.
func get[T any](ctx context.Context, l *HTTPLibrary, path string, query url.Values, out *envelope[T]) error {
	target := l.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	l.logger.Debug("Executing HTTP request",
		zap.String("method", req.Method),
		zap.String("url", target))

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Bookshelf lists every book
func (l *HTTPLibrary) Bookshelf(ctx context.Context) ([]Book, error) {
	var env envelope[[]Book]
	if err := get(ctx, l, "/getBookshelf", nil, &env); err != nil {
		return nil, err
	}
	if !env.IsSuccess {
		return nil, fmt.Errorf("getBookshelf: %s", env.ErrorMsg)
	}
	return env.Data, nil
}

// Chapters returns the stored chapter list of a book
func (l *HTTPLibrary) Chapters(ctx context.Context, bookURL string) ([]Chapter, error) {
	var env envelope[[]Chapter]
	if err := get(ctx, l, "/getChapterList", url.Values{"url": {bookURL}}, &env); err != nil {
		return nil, err
	}
	if !env.IsSuccess {
		return nil, fmt.Errorf("getChapterList: %s", env.ErrorMsg)
	}
	return env.Data, nil
}

// Lookup implements protocol.Library. ChapterCount is the length of the
// stored chapter list.
func (l *HTTPLibrary) Lookup(ctx context.Context, bookURL string) (*protocol.Item, error) {
	books, err := l.Bookshelf(ctx)
	if err != nil {
		return nil, err
	}

	for _, b := range books {
		if b.BookURL != bookURL {
			continue
		}
		chapters, err := l.Chapters(ctx, bookURL)
		if err != nil {
			return nil, err
		}
		return &protocol.Item{
			URL:          b.BookURL,
			Name:         b.Name,
			Author:       b.Author,
			ChapterCount: len(chapters),
			Local:        b.Origin == localOrigin,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrTargetNotFound, bookURL)
}

// Refresh implements protocol.Library. Service-side failures are reported in
// the result, transport failures as errors.
func (l *HTTPLibrary) Refresh(ctx context.Context, bookURL string) (*protocol.RefreshResult, error) {
	var env envelope[[]Chapter]
	if err := get(ctx, l, "/refreshToc", url.Values{"url": {bookURL}}, &env); err != nil {
		return nil, err
	}
	if !env.IsSuccess {
		return &protocol.RefreshResult{Success: false, ErrorMessage: env.ErrorMsg}, nil
	}

	l.logger.Info("Refreshed table of contents",
		zap.String("book_url", bookURL),
		zap.Int("chapters", len(env.Data)))

	return &protocol.RefreshResult{
		Success:       true,
		ChapterCount:  len(env.Data),
		LatestChapter: LatestTitle(env.Data),
	}, nil
}

// LatestTitle returns the title of the last chapter that isn't a volume
// header, or of the last entry when every entry is a volume header
func LatestTitle(chapters []Chapter) string {
	for i := len(chapters) - 1; i >= 0; i-- {
		if !chapters[i].IsVolume {
			return chapters[i].Title
		}
	}
	if len(chapters) > 0 {
		return chapters[len(chapters)-1].Title
	}
	return ""
}
