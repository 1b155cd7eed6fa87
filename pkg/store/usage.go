package store

// UsageRecord is a per-call token/cost/timing record written by AgentLoop
// after each provider Chat call that reports token usage.
type UsageRecord struct {
	ID             int64
	InternalChatID int64
	ModelID        string
	TokensIn       int
	TokensOut      int
	CostEstimate   float64
	WallTimeMS     int64
	CreatedAt      string
}

// RecordUsage appends one usage record.
func (s *Store) RecordUsage(u UsageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_records (internal_chat_id, model_id, tokens_in, tokens_out, cost_estimate, wall_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nullIfZero(u.InternalChatID), u.ModelID, u.TokensIn, u.TokensOut, u.CostEstimate, u.WallTimeMS, nowISO())
	return classifySQLiteError("store: record usage", err)
}

// UsageSummary is an aggregate over a set of usage records.
type UsageSummary struct {
	Calls        int
	TokensIn     int
	TokensOut    int
	CostEstimate float64
}

// UsageByChat aggregates usage for a single chat.
func (s *Store) UsageByChat(internalChatID int64) (UsageSummary, error) {
	var u UsageSummary
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0), COALESCE(SUM(cost_estimate),0)
		FROM usage_records WHERE internal_chat_id = ?
	`, internalChatID).Scan(&u.Calls, &u.TokensIn, &u.TokensOut, &u.CostEstimate)
	if err != nil {
		return u, classifySQLiteError("store: usage by chat", err)
	}
	return u, nil
}

// UsageByModel aggregates usage grouped by model id across all chats.
func (s *Store) UsageByModel() (map[string]UsageSummary, error) {
	rows, err := s.db.Query(`
		SELECT model_id, COUNT(*), COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0), COALESCE(SUM(cost_estimate),0)
		FROM usage_records GROUP BY model_id
	`)
	if err != nil {
		return nil, classifySQLiteError("store: usage by model", err)
	}
	defer rows.Close()

	out := make(map[string]UsageSummary)
	for rows.Next() {
		var model string
		var u UsageSummary
		if err := rows.Scan(&model, &u.Calls, &u.TokensIn, &u.TokensOut, &u.CostEstimate); err != nil {
			return nil, err
		}
		out[model] = u
	}
	return out, nil
}

func nullIfZero(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
