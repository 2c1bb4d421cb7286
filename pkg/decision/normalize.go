package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// rawDecision is the loose shape accepted from the model before coercion.
type rawDecision struct {
	Action    string          `json:"action"`
	SizePct   json.RawMessage `json:"size_pct"`
	Entry     *rawEntry       `json:"entry"`
	StopATR   json.RawMessage `json:"stop_atr"`
	TPATR     json.RawMessage `json:"tp_atr"`
	Followups json.RawMessage `json:"followups"`
	Comment   string          `json:"comment"`
}

type rawEntry struct {
	Type      string          `json:"type"`
	OffsetBps json.RawMessage `json:"offset_bps"`
}

// Normalize turns a raw model reply into a validated Decision. Every failure
// mode degrades to HOLD rather than an error: fences are stripped, JSON
// parse failures and unknown actions give HOLD, numerics coerce to finite
// values or drop to nil.
func Normalize(raw string) *Decision {
	text := StripFences(raw)
	if strings.TrimSpace(text) == "" {
		return Hold("empty model reply")
	}

	var parsed rawDecision
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return Hold(fmt.Sprintf("unparseable model reply: %v", err))
	}

	action := Action(strings.ToUpper(strings.TrimSpace(parsed.Action)))
	if !allowedActions[action] {
		return Hold(fmt.Sprintf("unknown action %q", parsed.Action))
	}

	d := &Decision{
		Action:    action,
		SizePct:   coerceNumber(parsed.SizePct),
		StopATR:   coerceNumber(parsed.StopATR),
		TPATR:     coerceNumber(parsed.TPATR),
		Followups: coerceStringList(parsed.Followups),
		Comment:   strings.TrimSpace(parsed.Comment),
	}

	if parsed.Entry != nil {
		entryType := strings.ToLower(strings.TrimSpace(parsed.Entry.Type))
		if entryType == "market" || entryType == "limit" {
			entry := &Entry{Type: entryType}
			if offset := coerceNumber(parsed.Entry.OffsetBps); offset != nil {
				entry.OffsetBps = *offset
			}
			d.Entry = entry
		}
	}
	return d
}

// StripFences removes markdown code-fence markers around a JSON payload.
func StripFences(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// coerceNumber accepts numbers or numeric strings, dropping anything
// non-finite to nil.
func coerceNumber(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err != nil {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil
		}
		if _, err := fmt.Sscanf(strings.TrimSpace(str), "%g", &num); err != nil {
			return nil
		}
	}
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return nil
	}
	return &num
}

// coerceStringList accepts a string list or anything else, which becomes [].
func coerceStringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return []string{}
	}
	if list == nil {
		return []string{}
	}
	return list
}
