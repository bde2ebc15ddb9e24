package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
)

const strategyColumns = `id, description, contribution, active, close_before_new_candle, direction, timeframe, parent_id, trigger_rule`

func scanStrategy(row rowScanner) (*domain.Strategy, error) {
	var (
		st     domain.Strategy
		parent sql.NullInt64
	)
	if err := row.Scan(&st.ID, &st.Description, &st.Contribution, &st.Active, &st.CloseBeforeNewCandle,
		&st.Direction, &st.Timeframe, &parent, &st.TriggerRule); err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.Int64
		st.ParentID = &p
	}
	return &st, nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, t *domain.Token) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tokens (symbol, quote_asset, min_qty, leverage, active) VALUES (?, ?, ?, ?, ?)`,
		t.Symbol, t.QuoteAsset, t.MinQty, t.Leverage, t.Active)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetToken(ctx context.Context, id int64) (*domain.Token, error) {
	var t domain.Token
	err := s.db.QueryRowContext(ctx, `SELECT id, symbol, quote_asset, min_qty, leverage, active FROM tokens WHERE id = ?`, id).
		Scan(&t.ID, &t.Symbol, &t.QuoteAsset, &t.MinQty, &t.Leverage, &t.Active)
	if err != nil {
		return nil, notFound(err, "token", id)
	}
	return &t, nil
}

func (s *SQLiteStore) ListActiveTokens(ctx context.Context) ([]*domain.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, symbol, quote_asset, min_qty, leverage, active FROM tokens WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*domain.Token
	for rows.Next() {
		var t domain.Token
		if err := rows.Scan(&t.ID, &t.Symbol, &t.QuoteAsset, &t.MinQty, &t.Leverage, &t.Active); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *domain.Strategy) error {
	var parent sql.NullInt64
	if st.ParentID != nil {
		parent = sql.NullInt64{Int64: *st.ParentID, Valid: true}
	}
	if st.Timeframe == "" {
		st.Timeframe = "1d"
	}
	if st.Direction == "" {
		st.Direction = domain.DirectionSame
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO strategies (description, contribution, active, close_before_new_candle,
		direction, timeframe, parent_id, trigger_rule) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Description, st.Contribution, st.Active, st.CloseBeforeNewCandle, st.Direction, st.Timeframe, parent, st.TriggerRule)
	if err != nil {
		return err
	}
	st.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, id int64) (*domain.Strategy, error) {
	st, err := scanStrategy(s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "strategy", id)
	}
	return st, nil
}

func (s *SQLiteStore) listStrategies(ctx context.Context, query string, args ...any) ([]*domain.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListRootStrategies(ctx context.Context) ([]*domain.Strategy, error) {
	return s.listStrategies(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE parent_id IS NULL AND active = 1 ORDER BY id`)
}

// ListChildStrategies returns the active children of parentID in id order.
func (s *SQLiteStore) ListChildStrategies(ctx context.Context, parentID int64) ([]*domain.Strategy, error) {
	return s.listStrategies(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE parent_id = ? AND active = 1 ORDER BY id`, parentID)
}

func (s *SQLiteStore) SaveTarget(ctx context.Context, t *domain.Target) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO targets (token_id, strategy_id, target_percent, stoploss_percent) VALUES (?, ?, ?, ?)`,
		t.TokenID, t.StrategyID, t.TargetPercent, t.StoplossPercent)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

const targetColumns = `id, token_id, strategy_id, target_percent, stoploss_percent`

func scanTarget(row rowScanner) (*domain.Target, error) {
	var t domain.Target
	if err := row.Scan(&t.ID, &t.TokenID, &t.StrategyID, &t.TargetPercent, &t.StoplossPercent); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTarget(ctx context.Context, id int64) (*domain.Target, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTargetNotFound
	}
	return t, err
}

func (s *SQLiteStore) ListTargets(ctx context.Context, tokenID, strategyID int64) ([]*domain.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE token_id = ? AND strategy_id = ?
		ORDER BY target_percent ASC`, tokenID, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) NextTarget(ctx context.Context, tokenID, strategyID int64, percent float64) (*domain.Target, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets
		WHERE token_id = ? AND strategy_id = ? AND target_percent > ? ORDER BY target_percent ASC LIMIT 1`,
		tokenID, strategyID, percent))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UserRepository Implementation

const userColumns = `u.id, u.name, u.active, u.api_key, u.api_secret, u.trade_balance, u.chat_id, u.created_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Name, &u.Active, &u.APIKey, &u.APISecret, &u.TradeBalance, &u.ChatID, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (name, active, api_key, api_secret, trade_balance, chat_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, u.Name, u.Active, u.APIKey, u.APISecret, u.TradeBalance, u.ChatID, u.CreatedAt)
	if err != nil {
		return err
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) Subscribe(ctx context.Context, userID, tokenID, strategyID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO subscriptions (user_id, token_id, strategy_id) VALUES (?, ?, ?)`,
		userID, tokenID, strategyID)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (s *SQLiteStore) listUsers(ctx context.Context, query string, args ...any) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) ListActiveUsers(ctx context.Context) ([]*domain.User, error) {
	return s.listUsers(ctx, `SELECT `+userColumns+` FROM users u WHERE u.active = 1 ORDER BY u.id`)
}

func (s *SQLiteStore) ListEligibleUsers(ctx context.Context, tokenID, strategyID int64) ([]*domain.User, error) {
	return s.listUsers(ctx, `SELECT `+userColumns+` FROM users u
		JOIN subscriptions s ON s.user_id = u.id
		WHERE u.active = 1 AND s.token_id = ? AND s.strategy_id = ? ORDER BY u.id`, tokenID, strategyID)
}

func (s *SQLiteStore) CountUserStrategies(ctx context.Context, userID, tokenID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions s
		JOIN strategies st ON st.id = s.strategy_id
		WHERE s.user_id = ? AND s.token_id = ? AND st.active = 1`, userID, tokenID).Scan(&n)
	return n, err
}
