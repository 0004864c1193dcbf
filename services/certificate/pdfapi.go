package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var ErrNoTokens = errors.New("pdf api has no tokens configured")

// APIConverter posts the document to an HTML-to-PDF service. Each token is
// tried in turn until one produces a document.
type APIConverter struct {
	http   *resty.Client
	url    string
	tokens []string
}

type apiRequest struct {
	HTML          string `json:"html"`
	Orientation   string `json:"orientation"`
	PageSize      string `json:"page_size"`
	MarginTop     string `json:"margin_top"`
	MarginBottom  string `json:"margin_bottom"`
	MarginRight   string `json:"margin_right"`
	MarginLeft    string `json:"margin_left"`
	NoBackgrounds bool   `json:"no_backgrounds"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		URL      string `json:"url"`
		FileSize int64  `json:"file_size"`
	} `json:"data"`
}

func NewAPIConverter(url string, tokens []string) *APIConverter {
	var clean []string
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return &APIConverter{
		http:   resty.New().SetHeader("Content-Type", "application/json"),
		url:    url,
		tokens: clean,
	}
}

func (c *APIConverter) Name() string { return "pdf_api" }

func (c *APIConverter) Convert(ctx context.Context, document string) ([]byte, error) {
	if c.url == "" || len(c.tokens) == 0 {
		return nil, ErrNoTokens
	}

	payload := apiRequest{
		HTML:         document,
		Orientation:  "landscape",
		PageSize:     "A4",
		MarginTop:    "1cm",
		MarginBottom: "1cm",
		MarginRight:  "1cm",
		MarginLeft:   "1cm",
	}

	var lastErr error
	for i, token := range c.tokens {
		pdf, err := c.convertWith(ctx, token, payload)
		if err == nil {
			return pdf, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Warn("[Certificate] pdf api token failed", zap.Int("token", i+1), zap.Int("tokens", len(c.tokens)), zap.Error(err))
		lastErr = err
	}

	return nil, fmt.Errorf("all %d pdf api tokens failed: %w", len(c.tokens), lastErr)
}

func (c *APIConverter) convertWith(ctx context.Context, token string, payload apiRequest) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		Post(c.url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("pdf api returned %d", resp.StatusCode())
	}

	if strings.HasPrefix(resp.Header().Get("Content-Type"), "application/pdf") {
		return resp.Body(), nil
	}

	var out apiResponse
	if err := c.http.JSONUnmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode pdf api response: %w", err)
	}
	if !out.Success || out.Data.URL == "" {
		if out.Error == "" {
			out.Error = "unsuccessful response"
		}
		return nil, errors.New(out.Error)
	}

	dl, err := c.http.R().SetContext(ctx).Get(out.Data.URL)
	if err != nil {
		return nil, fmt.Errorf("download pdf: %w", err)
	}
	if dl.IsError() {
		return nil, fmt.Errorf("download pdf returned %d", dl.StatusCode())
	}
	return dl.Body(), nil
}
