// Package eventlog persists labeled trade events to SQLite so the nightly
// learning job can read them back across restarts.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tradelab/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS labeled_trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id   TEXT NOT NULL,
	theory_id   TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	p_up        REAL NOT NULL,
	outcome     TEXT NOT NULL,
	return_bps  REAL NOT NULL,
	fees_bps    REAL NOT NULL,
	weights     TEXT NOT NULL,
	executed_at TIMESTAMP NOT NULL,
	labeled_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_labeled_trades_labeled_at ON labeled_trades (labeled_at);
`

// Log is an append-only store of labeled trades.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the event log at path. ":memory:" works for tests.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	// The sqlite driver serializes concurrent writers poorly; a single
	// connection avoids SQLITE_BUSY for this write-light workload.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event log schema: %w", err)
	}
	return &Log{db: db, logger: logger.With("component", "eventlog")}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append records one labeled trade.
func (l *Log) Append(ctx context.Context, ev types.LabeledTrade) error {
	weights, err := json.Marshal(ev.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO labeled_trades
			(signal_id, theory_id, symbol, side, p_up, outcome,
			 return_bps, fees_bps, weights, executed_at, labeled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SignalID, ev.TheoryID, ev.Symbol, string(ev.Side), ev.PUp,
		string(ev.Outcome), ev.ReturnBps, ev.FeesBps, string(weights),
		ev.ExecutedAt.UTC(), ev.LabeledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append labeled trade: %w", err)
	}
	return nil
}

// Since returns every labeled trade with labeled_at at or after the cutoff,
// oldest first.
func (l *Log) Since(ctx context.Context, cutoff time.Time) ([]types.LabeledTrade, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT signal_id, theory_id, symbol, side, p_up, outcome,
		       return_bps, fees_bps, weights, executed_at, labeled_at
		FROM labeled_trades
		WHERE labeled_at >= ?
		ORDER BY labeled_at ASC, id ASC`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query labeled trades: %w", err)
	}
	defer rows.Close()

	var out []types.LabeledTrade
	for rows.Next() {
		var ev types.LabeledTrade
		var side, outcome, weights string
		if err := rows.Scan(
			&ev.SignalID, &ev.TheoryID, &ev.Symbol, &side, &ev.PUp,
			&outcome, &ev.ReturnBps, &ev.FeesBps, &weights,
			&ev.ExecutedAt, &ev.LabeledAt,
		); err != nil {
			return nil, fmt.Errorf("scan labeled trade: %w", err)
		}
		ev.Side = types.Side(side)
		ev.Outcome = types.DirectionClass(outcome)
		if err := json.Unmarshal([]byte(weights), &ev.Weights); err != nil {
			l.logger.Warn("skipping corrupt weights", "signal", ev.SignalID, "error", err)
			ev.Weights = nil
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count reports the total number of stored events.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM labeled_trades`).Scan(&n)
	return n, err
}

// Prune deletes events labeled before the cutoff and reports how many
// rows went away.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM labeled_trades WHERE labeled_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune labeled trades: %w", err)
	}
	return res.RowsAffected()
}
