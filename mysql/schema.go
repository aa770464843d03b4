package mysql

import (
	"fmt"
	"strings"
)

const recordsTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	integration_id VARCHAR(64) NOT NULL,
	operation VARCHAR(128) NOT NULL,
	stable_resource_id VARCHAR(255) NOT NULL,
	payload JSON NOT NULL,
	idempotency_key CHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'queued',
	attempts INT NOT NULL DEFAULT 0,
	next_attempt_at DATETIME(6) NOT NULL,
	rate_limited_at DATETIME(6) NULL,
	last_error VARCHAR(1024) NULL,
	provider_response JSON NULL,
	claimed_until DATETIME(6) NULL,
	sent_at DATETIME(6) NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (id),
	UNIQUE KEY uq_idempotency_key (idempotency_key),
	INDEX idx_status_next (status, next_attempt_at),
	INDEX idx_integration_status_created (integration_id, status, created_at)
);`

const runsTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	integration_id VARCHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL,
	checked INT NOT NULL DEFAULT 0,
	drift_fixed INT NOT NULL DEFAULT 0,
	api_calls INT NOT NULL DEFAULT 0,
	rate_limited_429 INT NOT NULL DEFAULT 0,
	failures INT NOT NULL DEFAULT 0,
	timed_out BOOLEAN NOT NULL DEFAULT FALSE,
	notes TEXT NULL,
	started_at DATETIME(6) NOT NULL,
	finished_at DATETIME(6) NULL,
	PRIMARY KEY (id),
	INDEX idx_integration_started (integration_id, started_at),
	INDEX idx_finished (finished_at)
);`

// Schema returns the CREATE TABLE statements for the records and runs tables, records first.
func Schema(table, runsTable string) ([]string, error) {
	records, err := sanitizeTableName(table)
	if err != nil {
		return nil, err
	}
	runs, err := sanitizeTableName(runsTable)
	if err != nil {
		return nil, err
	}

	return []string{
		fmt.Sprintf(recordsTemplate, records),
		fmt.Sprintf(runsTemplate, runs),
	}, nil
}

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}
