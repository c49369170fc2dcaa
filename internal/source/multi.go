package source

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/policy"
	"github.com/IliaW/enrich-worker/internal/telemetry"
)

// MultiSource queries every configured source for a subject and merges the
// per-source records into one finding. A policy-denied live fetch falls back
// to the web archive when the source can name the denied page. The lookup
// fails transiently only when every source failed; it returns
// model.ErrNoFinding (as a permanent error) when every source came up empty.
type MultiSource struct {
	sources []Source
	archive ArchiveRetriever
	metrics *telemetry.LookupMetrics
}

func NewMultiSource(sources []Source, archive ArchiveRetriever, metrics *telemetry.LookupMetrics) *MultiSource {
	return &MultiSource{
		sources: sources,
		archive: archive,
		metrics: metrics,
	}
}

func (m *MultiSource) Name() string {
	names := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		names = append(names, src.Name())
	}

	return strings.Join(names, "+")
}

func (m *MultiSource) Lookup(ctx context.Context, subject, qualifier string) (*model.Finding, error) {
	var merged *model.Finding
	var lastErr error
	for _, src := range m.sources {
		finding, err := src.Lookup(ctx, subject, qualifier)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				if merged != nil {
					return merged, nil
				}
				return nil, err
			case errors.Is(err, policy.ErrFetchNotAllowed):
				m.metrics.PolicyDeniedCnt(1)
				slog.Warn("live fetch denied by crawl policy.", slog.String("source", src.Name()),
					slog.String("subject", subject))
				finding = m.retrieveFromArchive(ctx, src, subject, qualifier)
				if finding == nil {
					continue
				}
			case errors.Is(err, model.ErrNoFinding):
				slog.Debug("source came up empty.", slog.String("source", src.Name()),
					slog.String("subject", subject))
				continue
			case model.IsPermanent(err):
				slog.Warn("source failed permanently.", slog.String("source", src.Name()),
					slog.String("subject", subject), slog.String("err", err.Error()))
				continue
			default:
				slog.Warn("source failed.", slog.String("source", src.Name()),
					slog.String("subject", subject), slog.String("err", err.Error()))
				lastErr = err
				continue
			}
		}
		merged = mergeFinding(merged, finding, subject)
	}

	if merged == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, model.Permanent(model.ErrNoFinding)
	}

	return merged, nil
}

func (m *MultiSource) retrieveFromArchive(ctx context.Context, src Source, subject,
	qualifier string) *model.Finding {
	if m.archive == nil {
		return nil
	}
	addr, ok := src.(Addressable)
	if !ok {
		return nil
	}
	m.metrics.WebArchiveCnt(1)
	finding, err := m.archive.Retrieve(ctx, addr.SearchURL(subject, qualifier))
	if err != nil {
		slog.Warn("archive fallback failed.", slog.String("source", src.Name()),
			slog.String("subject", subject), slog.String("err", err.Error()))
		return nil
	}

	return finding
}

// mergeFinding folds extra into base. Attributes are namespaced by the
// source that produced them; the first contributing source supplies the
// primary URL and payload.
func mergeFinding(base, extra *model.Finding, subject string) *model.Finding {
	if base == nil {
		base = &model.Finding{
			Subject:        subject,
			SourceName:     extra.SourceName,
			SourceURL:      extra.SourceURL,
			RawPayload:     extra.RawPayload,
			StatusCode:     extra.StatusCode,
			FetchMechanism: extra.FetchMechanism,
			FetchedAt:      extra.FetchedAt,
			Attributes:     make(map[string]string, len(extra.Attributes)),
		}
	} else {
		base.SourceName = base.SourceName + "+" + extra.SourceName
	}
	base.TimeToLookup += extra.TimeToLookup
	for key, value := range extra.Attributes {
		base.Attributes[extra.SourceName+"."+key] = value
	}

	return base
}
