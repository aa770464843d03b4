package mysql

import (
	"fmt"
	"strings"
)

const recordColumns = "id, integration_id, operation, stable_resource_id, payload, idempotency_key, status, " +
	"attempts, next_attempt_at, rate_limited_at, last_error, provider_response, claimed_until, sent_at, " +
	"created_at, updated_at, version"

type queries struct {
	insert      string
	selectByID  string
	selectByKey string
	selectDue   string
	exists      string
	update      string
	listQueued  string
	insertRun   string
	finishRun   string
	selectRun   string
	pruneRuns   string
}

func newQueries(table, runs string) queries {
	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			table, recordColumns, makePlaceholders(strings.Count(recordColumns, ",")+1),
		),
		selectByID:  fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, table),
		selectByKey: fmt.Sprintf("SELECT %s FROM %s WHERE idempotency_key = ?", recordColumns, table),
		selectDue: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? AND next_attempt_at <= ? "+
				"AND (claimed_until IS NULL OR claimed_until <= ?) "+
				"ORDER BY next_attempt_at ASC, id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			recordColumns, table,
		),
		exists: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table),
		update: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempts = ?, next_attempt_at = ?, rate_limited_at = ?, last_error = ?, "+
				"provider_response = ?, claimed_until = ?, sent_at = ?, updated_at = ?, version = version + 1 "+
				"WHERE id = ? AND version = ?",
			table,
		),
		listQueued: fmt.Sprintf(
			"SELECT %s FROM %s WHERE integration_id = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ?",
			recordColumns, table,
		),
		insertRun: fmt.Sprintf(
			"INSERT INTO %s (id, integration_id, status, checked, drift_fixed, api_calls, rate_limited_429, "+
				"failures, timed_out, notes, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			runs,
		),
		finishRun: fmt.Sprintf(
			"UPDATE %s SET status = ?, checked = ?, drift_fixed = ?, api_calls = ?, rate_limited_429 = ?, "+
				"failures = ?, timed_out = ?, notes = ?, finished_at = ? WHERE id = ?",
			runs,
		),
		selectRun: fmt.Sprintf(
			"SELECT id, integration_id, status, checked, drift_fixed, api_calls, rate_limited_429, failures, "+
				"timed_out, notes, started_at, finished_at FROM %s WHERE id = ?",
			runs,
		),
		pruneRuns: fmt.Sprintf(
			"DELETE FROM %s WHERE status <> ? AND finished_at IS NOT NULL AND finished_at <= ? ORDER BY finished_at LIMIT ?",
			runs,
		),
	}
}

func buildClaimQuery(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET claimed_until = ?, version = version + 1 WHERE id IN (%s)",
		table,
		makePlaceholders(count),
	)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
