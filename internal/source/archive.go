package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

type archiveIndex struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// ArchiveSource retrieves archived copies of pages from CommonCrawl. It is
// the fallback evidence source when the crawl policy denies a live fetch:
// reading the archive touches the archive API, not the denied host.
type ArchiveSource struct {
	crawler    *commoncrawl.CommonCrawl
	cfg        *config.ArchiveSourceConfig
	localCache *cache.Cache
}

// NewArchiveSource has small request limitations.
// TODO: A proxy server may be needed if we go beyond the limits
func NewArchiveSource(cfg *config.ArchiveSourceConfig) *ArchiveSource {
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		slog.Error("failed to create common crawl client", slog.String("err", err.Error()))
	}
	return &ArchiveSource{
		crawler:    c,
		cfg:        cfg,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // CommonCrawl indexes update every month
	}
}

func (s *ArchiveSource) Name() string {
	return "web-archive"
}

// Retrieve looks up the most recent archived snapshot of the page across the
// configured number of recent CommonCrawl indexes.
func (s *ArchiveSource) Retrieve(ctx context.Context, pageURL string) (*model.Finding, error) {
	slog.Info("retrieving archived copy from Common Crawl.", slog.String("url", pageURL))
	startTime := time.Now()
	if s.crawler == nil { // due to request limitations, the crawler may not be initialized when the application starts
		slog.Info("connection retry to common crawl.")
		var err error
		s.crawler, err = commoncrawl.New(s.cfg.RequestTimeout, s.cfg.Retries)
		if err != nil {
			return nil, fmt.Errorf("connection to common crawl failed: %w", err)
		}
	}

	indexList, err := s.getIndexes()
	if err != nil {
		return nil, err
	}
	requestCfg := common.RequestConfig{
		URL:     pageURL,
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}

	finding := &model.Finding{
		SourceName:     s.Name(),
		SourceURL:      pageURL,
		FetchMechanism: s.crawler.Name(),
		Attributes:     make(map[string]string),
	}
	for i := 0; i < s.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, _ := s.crawler.GetPagesIndex(requestCfg, indexList[i].Id)
		if len(p) == 0 {
			slog.Debug("no snapshots found in Common Crawl.", slog.String("url", pageURL),
				slog.String("index", indexList[i].Id))
			continue
		}
		resp, err := s.crawler.GetFile(p[len(p)-1]) // last one is the most recent
		if err != nil {
			slog.Error("failed to get file", slog.String("err", err.Error()))
			break
		}
		body := string(resp)
		finding.RawPayload = extractHtml(&body)
		finding.StatusCode = http.StatusOK
		finding.Attributes["archive_index"] = indexList[i].Id
		if title := extractTitle(&body); title != "" {
			finding.Attributes["page_title"] = title
		}
		break
	}
	if finding.RawPayload == "" || finding.StatusCode == 0 {
		return nil, fmt.Errorf("no snapshots found in Common Crawl. url: %v", pageURL)
	}
	finding.TimeToLookup = time.Since(startTime).Milliseconds()
	finding.FetchedAt = time.Now().UTC()

	return finding, nil
}

func (s *ArchiveSource) getIndexes() ([]archiveIndex, error) {
	if i, ok := s.localCache.Get("indexes"); ok {
		return i.([]archiveIndex), nil
	}

	response, err := common.Get(indexListUrl, s.crawler.MaxTimeout, s.crawler.MaxRetries)
	if err != nil {
		return nil, err
	}

	var indexes []archiveIndex
	err = jsoniter.Unmarshal(response, &indexes)
	if err != nil {
		return indexes, err
	}
	s.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}

func extractTitle(body *string) string {
	re := regexp.MustCompile(`<title>(.*?)</title>`)
	match := re.FindStringSubmatch(*body)

	if len(match) > 1 {
		return match[1]
	}
	return ""
}

func extractHtml(body *string) string {
	re := regexp.MustCompile(`(?si)<!doctype html>.*?</html>`)
	match := re.FindStringSubmatch(*body)

	if len(match) > 0 {
		return match[0]
	}
	return ""
}
