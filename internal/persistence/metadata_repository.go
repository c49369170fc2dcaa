package persistence

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/IliaW/enrich-worker/internal"
	"github.com/IliaW/enrich-worker/internal/model"
)

type FindingStorage interface {
	Save(*model.EnrichedRecord)
}

type FindingRepository struct {
	db *sql.DB
}

func NewFindingRepository(db *sql.DB) *FindingRepository {
	return &FindingRepository{db: db}
}

func (fr *FindingRepository) Save(record *model.EnrichedRecord) {
	var sourceName, sourceURL string
	var statusCode int
	var timeToLookup int64
	if record.Finding != nil {
		sourceName = record.Finding.SourceName
		sourceURL = record.Finding.SourceURL
		statusCode = record.Finding.StatusCode
		timeToLookup = record.Finding.TimeToLookup
	}
	_, err := fr.db.Exec(`INSERT INTO enrichment.finding_metadata
    (org_hash, org_id, org_name, province, status, source_name, source_url, status_code, time_to_lookup,
     retries, from_cache, timestamp, enrich_worker_version)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (org_hash) DO UPDATE
	SET org_id = EXCLUDED.org_id,
	    org_name = EXCLUDED.org_name,
	    province = EXCLUDED.province,
		status = EXCLUDED.status,
		source_name = EXCLUDED.source_name,
		source_url = EXCLUDED.source_url,
		status_code = EXCLUDED.status_code,
		time_to_lookup = EXCLUDED.time_to_lookup,
		retries = EXCLUDED.retries,
		from_cache = EXCLUDED.from_cache,
		timestamp = EXCLUDED.timestamp,
		enrich_worker_version = EXCLUDED.enrich_worker_version;`,
		internal.HashKey(strings.ToLower(record.Name)+"|"+strings.ToLower(record.Province)),
		record.OrgID,
		record.Name,
		record.Province,
		record.Status,
		sourceName,
		sourceURL,
		statusCode,
		timeToLookup,
		record.Retries,
		record.FromCache,
		time.Now().UTC(),
		record.EnrichWorkerVersion)
	if err != nil {
		slog.Error("failed to save finding metadata to database.", slog.String("err", err.Error()))
		return
	}
	slog.Debug("finding metadata saved to db.")
}
