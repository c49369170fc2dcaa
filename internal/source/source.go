package source

import (
	"context"

	"github.com/IliaW/enrich-worker/internal/model"
)

// Source is one information source for organization lookups. The subject is
// the organization name and the qualifier narrows it down (usually a
// province). Implementations run their own politeness checks before any
// outbound request and must return policy.ErrFetchNotAllowed unchanged when
// the crawl policy denies the fetch.
type Source interface {
	Name() string
	Lookup(ctx context.Context, subject, qualifier string) (*model.Finding, error)
}

// Addressable is implemented by sources whose lookup resolves to a single
// page URL. The multi source uses it to retrieve an archived copy of that
// page when the live fetch is policy-denied.
type Addressable interface {
	SearchURL(subject, qualifier string) string
}

// ArchiveRetriever serves archived copies of pages that cannot be fetched
// live.
type ArchiveRetriever interface {
	Name() string
	Retrieve(ctx context.Context, pageURL string) (*model.Finding, error)
}
