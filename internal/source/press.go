package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/policy"
	jsoniter "github.com/json-iterator/go"
)

const pressPageSize = 5

type pressResponse struct {
	Status       string         `json:"status"`
	TotalResults int            `json:"totalResults"`
	Articles     []pressArticle `json:"articles"`
}

type pressArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Title       string `json:"title"`
	Url         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
}

// PressSource queries a press-search API for recent coverage of the
// organization. The API host is rate limited through the same policy engine
// as page fetches, so press queries and registry fetches to a shared host
// never race past its delay.
type PressSource struct {
	engine    *policy.Engine
	client    *http.Client
	cfg       *config.PressSourceConfig
	userAgent string
}

func NewPressSource(engine *policy.Engine, cfg *config.PressSourceConfig, httpCfg *config.HttpClientConfig,
	transport *http.Transport, userAgent string) *PressSource {
	client := &http.Client{Timeout: httpCfg.RequestTimeout}
	if transport != nil {
		client.Transport = transport
	}

	return &PressSource{
		engine:    engine,
		client:    client,
		cfg:       cfg,
		userAgent: userAgent,
	}
}

func (s *PressSource) Name() string {
	return "press"
}

func (s *PressSource) SearchURL(subject, qualifier string) string {
	query := subject
	if qualifier != "" {
		query = subject + " " + qualifier
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("pageSize", strconv.Itoa(pressPageSize))

	return s.cfg.BaseUrl + "?" + q.Encode()
}

func (s *PressSource) Lookup(ctx context.Context, subject, qualifier string) (*model.Finding, error) {
	target := s.SearchURL(subject, qualifier)
	if !s.engine.CanFetch(ctx, target) {
		return nil, fmt.Errorf("%q: %w", target, policy.ErrFetchNotAllowed)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, model.Permanent(fmt.Errorf("parse press url %q: %w", target, err))
	}
	if err := s.engine.WaitForRateLimit(ctx, u.Host); err != nil {
		return nil, err
	}

	startTime := time.Now()
	decoded, statusCode, err := s.search(ctx, target)
	if err != nil {
		s.engine.RecordError(u.Host)
		return nil, err
	}
	s.engine.RecordSuccess(u.Host)

	if decoded.TotalResults == 0 || len(decoded.Articles) == 0 {
		return nil, model.ErrNoFinding
	}

	latest := decoded.Articles[0]
	finding := &model.Finding{
		Subject:      subject,
		SourceName:   s.Name(),
		SourceURL:    target,
		StatusCode:   statusCode,
		TimeToLookup: time.Since(startTime).Milliseconds(),
		FetchedAt:    time.Now().UTC(),
		Attributes: map[string]string{
			"mentions":        strconv.Itoa(decoded.TotalResults),
			"latest_headline": latest.Title,
			"latest_url":      latest.Url,
		},
	}
	if latest.PublishedAt != "" {
		finding.Attributes["latest_published_at"] = latest.PublishedAt
	}
	if latest.Source.Name != "" {
		finding.Attributes["latest_outlet"] = latest.Source.Name
	}

	return finding, nil
}

func (s *PressSource) search(ctx context.Context, target string) (*pressResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, model.Permanent(fmt.Errorf("build press request: %w", err))
	}
	req.Header.Set("User-Agent", s.userAgent)
	if s.cfg.ApiKey != "" {
		req.Header.Set("X-Api-Key", s.cfg.ApiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("press request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		err = fmt.Errorf("press api returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = model.Permanent(err)
		}
		return nil, resp.StatusCode, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read press response: %w", err)
	}
	var decoded pressResponse
	if err := jsoniter.Unmarshal(body, &decoded); err != nil {
		return nil, resp.StatusCode, model.Permanent(fmt.Errorf("unmarshal press response: %w", err))
	}
	if decoded.Status != "" && !strings.EqualFold(decoded.Status, "ok") {
		return nil, resp.StatusCode, fmt.Errorf("press api status %q", decoded.Status)
	}

	return &decoded, resp.StatusCode, nil
}
