package source

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/fetch"
	"github.com/IliaW/enrich-worker/internal/model"
)

var (
	companyLinkPattern    = regexp.MustCompile(`href="/companies/([a-z_]+/[A-Za-z0-9-]+)"`)
	companyStatusPattern  = regexp.MustCompile(`(?i)>\s*(active|inactive|dissolved|in liquidation)\s*<`)
	registryNumberPattern = regexp.MustCompile(`(?i)company\s+number[^0-9A-Z]{0,20}([0-9A-Z-]{4,})`)
)

// RegistrySource searches a corporate registry portal for the organization
// and extracts the matching registry entries from the result page. All
// fetches go through the polite fetcher.
type RegistrySource struct {
	fetcher *fetch.PoliteFetcher
	cfg     *config.RegistrySourceConfig
}

func NewRegistrySource(fetcher *fetch.PoliteFetcher, cfg *config.RegistrySourceConfig) *RegistrySource {
	return &RegistrySource{
		fetcher: fetcher,
		cfg:     cfg,
	}
}

func (s *RegistrySource) Name() string {
	return "registry"
}

// SearchURL builds the portal search URL for the subject. The qualifier is
// passed as the jurisdiction filter when present.
func (s *RegistrySource) SearchURL(subject, qualifier string) string {
	q := url.Values{}
	q.Set("q", subject)
	if qualifier != "" {
		q.Set("jurisdiction", strings.ToLower(qualifier))
	}

	return s.cfg.BaseUrl + "?" + q.Encode()
}

func (s *RegistrySource) Lookup(ctx context.Context, subject, qualifier string) (*model.Finding, error) {
	target := s.SearchURL(subject, qualifier)
	result, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}

	matches := companyLinkPattern.FindAllStringSubmatch(result.Body, -1)
	if len(matches) == 0 {
		return nil, model.ErrNoFinding
	}

	finding := &model.Finding{
		Subject:        subject,
		SourceName:     s.Name(),
		SourceURL:      result.URL,
		StatusCode:     result.StatusCode,
		FetchMechanism: result.Mechanism,
		TimeToLookup:   result.TimeToFetch,
		FetchedAt:      time.Now().UTC(),
		RawPayload:     result.Body,
		Attributes: map[string]string{
			"registry_id": matches[0][1],
			"matches":     strconv.Itoa(len(matches)),
		},
	}
	if result.Title != "" {
		finding.Attributes["page_title"] = result.Title
	}
	if m := companyStatusPattern.FindStringSubmatch(result.Body); len(m) > 1 {
		finding.Attributes["status"] = strings.ToLower(m[1])
	}
	if m := registryNumberPattern.FindStringSubmatch(result.Body); len(m) > 1 {
		finding.Attributes["company_number"] = m[1]
	}

	return finding, nil
}
