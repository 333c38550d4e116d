package state

import (
	"context"
	"encoding/json"
)

// ActionKind tags an action_log entry's kind column.
type ActionKind string

const (
	ActionEntry             ActionKind = "ENTRY"
	ActionTradeExit         ActionKind = "TRADE_EXIT"
	ActionPortfolioSnapshot ActionKind = "PORTFOLIO_SNAPSHOT"
)

// AppendActionLog writes one append-only action_log row. Failures are
// logged and swallowed by the caller; log persistence never aborts the
// pipeline.
func AppendActionLog(ctx context.Context, kind ActionKind, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return safeInsert("action_log.append", string(kind), func() error {
		_, err := DB.ExecContext(ctx, `INSERT INTO action_log (kind, payload) VALUES ($1, $2)`, string(kind), body)
		return err
	})
}
