package cache

import (
	"github.com/IliaW/enrich-worker/internal/model"
)

// CachedClient stores findings from completed lookups so that repeated
// requests for the same subject are answered without touching the network.
// Entries expire after the configured TTL. Force saves use a short TTL so
// a forced re-lookup does not pin a stale finding for the full window.
type CachedClient interface {
	GetFinding(key string) (*model.Finding, bool)
	SaveFinding(key string, finding *model.Finding, force bool)
	Close()
}
