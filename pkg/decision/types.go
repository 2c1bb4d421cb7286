package decision

import "krakenbot/pkg/features"

// Action is a normalised decision verb.
type Action string

const (
	ActionHold         Action = "HOLD"
	ActionOpenLong     Action = "OPEN_LONG"
	ActionAdd          Action = "ADD"
	ActionTrim         Action = "TRIM"
	ActionClosePartial Action = "CLOSE_PARTIAL"
	ActionCloseAll     Action = "CLOSE_ALL"
	ActionMoveStop     Action = "MOVE_STOP"
	ActionSetTP        Action = "SET_TP"
	ActionPause        Action = "PAUSE"
)

var allowedActions = map[Action]bool{
	ActionHold:         true,
	ActionOpenLong:     true,
	ActionAdd:          true,
	ActionTrim:         true,
	ActionClosePartial: true,
	ActionCloseAll:     true,
	ActionMoveStop:     true,
	ActionSetTP:        true,
	ActionPause:        true,
}

// Entry describes how an opening order should be priced.
type Entry struct {
	Type      string  `json:"type"` // market | limit
	OffsetBps float64 `json:"offset_bps,omitempty"`
}

// Decision is the normalised output of the decision maker.
type Decision struct {
	Action    Action   `json:"action"`
	SizePct   *float64 `json:"size_pct,omitempty"`
	Entry     *Entry   `json:"entry,omitempty"`
	StopATR   *float64 `json:"stop_atr,omitempty"`
	TPATR     *float64 `json:"tp_atr,omitempty"`
	Followups []string `json:"followups"`
	Comment   string   `json:"comment"`
}

// Hold builds a HOLD decision with the given comment.
func Hold(comment string) *Decision {
	return &Decision{Action: ActionHold, Followups: []string{}, Comment: comment}
}

// Constraints states the hard limits the model must respect; they are
// repeated in the prompt and enforced again by the execution engine.
type Constraints struct {
	MaxTradeRiskPct float64 `json:"max_trade_risk_pct"`
	MaxTotalRiskPct float64 `json:"max_total_risk_pct"`
	DefaultSizePct  float64 `json:"default_size_pct"`
	MinNotional     float64 `json:"min_notional"`
	LongOnly        bool    `json:"long_only"`
}

// Input aggregates everything the decision maker sees.
type Input struct {
	Features    *features.Snapshot `json:"features"`
	Reasons     []string           `json:"reasons"`
	Meta        map[string]any     `json:"meta,omitempty"`
	Constraints Constraints        `json:"constraints"`
}
