package decision

import (
	"encoding/json"
	"fmt"
	"strings"
)

const promptPreamble = `You are the decision maker for a spot trading bot on Kraken.
You receive a feature snapshot, the trigger reasons that caused this
consultation, and hard risk constraints. The bot trades one pair, long only.

Reply with exactly one JSON object and nothing else, of this shape:
{
  "action": "HOLD|OPEN_LONG|ADD|TRIM|CLOSE_PARTIAL|CLOSE_ALL|MOVE_STOP|SET_TP|PAUSE",
  "size_pct": number or null,
  "entry": {"type": "market|limit", "offset_bps": number} or null,
  "stop_atr": number or null,
  "tp_atr": number or null,
  "followups": [string],
  "comment": string
}

Rules:
- size_pct is a percentage of available quote balance (open) or of the
  position (trim/close).
- Never exceed the stated risk constraints.
- When the evidence is mixed, HOLD.`

// BuildPrompt composes the full prompt string from the input payload.
func BuildPrompt(in *Input) (string, error) {
	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("decision: encode prompt payload: %w", err)
	}
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\nInput:\n")
	b.Write(payload)
	return b.String(), nil
}
