package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is the closed set of instructions a policy may return.
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionClose Action = "CLOSE"
	ActionHold  Action = "HOLD"
)

// ErrInvalidDecision is wrapped by every DecisionError.
var ErrInvalidDecision = errors.New("invalid decision payload")

// DecisionError reports a malformed policy payload.
type DecisionError struct {
	Field  string
	Reason string
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("decision field %q: %s", e.Field, e.Reason)
}

func (e *DecisionError) Unwrap() error { return ErrInvalidDecision }

// Decision is a validated recommendation from the policy.
type Decision struct {
	Action          Action
	Symbol          string
	Confidence      float64
	PositionSizePct float64
	Leverage        int
	OrderType       OrderType
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      []float64
	Reason          string
	MarketState     string
}

// Hold returns a HOLD decision carrying reason.
func Hold(reason string) Decision {
	return Decision{Action: ActionHold, Reason: reason, OrderType: Market, MarketState: "unknown"}
}

// Side returns the position direction for LONG/SHORT decisions.
func (d Decision) Side() PositionSide {
	if d.Action == ActionShort {
		return Short
	}
	return Long
}

// FirstTakeProfit returns the nearest target or 0.
func (d Decision) FirstTakeProfit() float64 {
	if len(d.TakeProfit) == 0 {
		return 0
	}
	return d.TakeProfit[0]
}

// decisionPayload is the wire shape accepted from policies.
type decisionPayload struct {
	Action       *string         `json:"action"`
	TargetSymbol *string         `json:"target_symbol"`
	Symbol       *string         `json:"symbol"`
	Confidence   *float64        `json:"confidence"`
	PositionSize *float64        `json:"position_size"`
	Leverage     *float64        `json:"leverage"`
	OrderType    *string         `json:"order_type"`
	EntryPrice   *float64        `json:"entry_price"`
	StopLoss     *float64        `json:"stop_loss"`
	TakeProfit   json.RawMessage `json:"take_profit"`
	Reason       *string         `json:"reason"`
	MarketState  *string         `json:"market_state"`
}

// DecisionDefaults fills fields a policy left out.
type DecisionDefaults struct {
	PositionSizePct float64
	Leverage        int
}

// ParseDecision extracts the outermost JSON object from raw and validates it.
func ParseDecision(raw []byte, defaults DecisionDefaults) (Decision, error) {
	text := string(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Decision{}, &DecisionError{Field: "payload", Reason: "no JSON object found"}
	}

	var p decisionPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return Decision{}, &DecisionError{Field: "payload", Reason: err.Error()}
	}

	d := Decision{
		Action:          ActionHold,
		PositionSizePct: defaults.PositionSizePct,
		Leverage:        defaults.Leverage,
		OrderType:       Market,
		Reason:          "no reason given",
		MarketState:     "unknown",
	}
	if p.Action != nil {
		d.Action = Action(strings.ToUpper(strings.TrimSpace(*p.Action)))
	}
	switch {
	case p.TargetSymbol != nil && *p.TargetSymbol != "":
		d.Symbol = NormalizeSymbol(*p.TargetSymbol)
	case p.Symbol != nil:
		d.Symbol = NormalizeSymbol(*p.Symbol)
	}
	if p.Confidence != nil {
		d.Confidence = *p.Confidence
	}
	if p.PositionSize != nil {
		d.PositionSizePct = *p.PositionSize
	}
	if p.Leverage != nil {
		d.Leverage = int(*p.Leverage)
	}
	if p.OrderType != nil && *p.OrderType != "" {
		switch strings.ToLower(*p.OrderType) {
		case "market":
			d.OrderType = Market
		case "limit":
			d.OrderType = Limit
		default:
			return Decision{}, &DecisionError{Field: "order_type", Reason: fmt.Sprintf("unknown order type %q", *p.OrderType)}
		}
	}
	if p.EntryPrice != nil {
		d.EntryPrice = *p.EntryPrice
	}
	if p.StopLoss != nil {
		d.StopLoss = *p.StopLoss
	}
	if len(p.TakeProfit) > 0 && string(p.TakeProfit) != "null" {
		tps, err := parseTakeProfit(p.TakeProfit)
		if err != nil {
			return Decision{}, err
		}
		d.TakeProfit = tps
	}
	if p.Reason != nil {
		d.Reason = *p.Reason
	}
	if p.MarketState != nil {
		d.MarketState = *p.MarketState
	}

	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// take_profit arrives either as a single number or a list.
func parseTakeProfit(raw json.RawMessage) ([]float64, error) {
	var list []float64
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single float64
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == 0 {
			return nil, nil
		}
		return []float64{single}, nil
	}
	return nil, &DecisionError{Field: "take_profit", Reason: "expected a number or a list of numbers"}
}

// Validate checks structural consistency. Risk clamps are applied later by the engine.
func (d Decision) Validate() error {
	switch d.Action {
	case ActionHold, ActionClose:
		return nil
	case ActionLong, ActionShort:
	default:
		return &DecisionError{Field: "action", Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}
	if d.Symbol == "" {
		return &DecisionError{Field: "target_symbol", Reason: "required for " + string(d.Action)}
	}
	if d.Confidence < 0 || d.Confidence > 100 {
		return &DecisionError{Field: "confidence", Reason: fmt.Sprintf("%v outside 0-100", d.Confidence)}
	}
	if d.PositionSizePct <= 0 {
		return &DecisionError{Field: "position_size", Reason: "must be positive"}
	}
	if d.Leverage <= 0 {
		return &DecisionError{Field: "leverage", Reason: "must be positive"}
	}
	if d.OrderType != Market && d.OrderType != Limit {
		return &DecisionError{Field: "order_type", Reason: fmt.Sprintf("unknown order type %q", d.OrderType)}
	}
	if d.EntryPrice < 0 || d.StopLoss < 0 {
		return &DecisionError{Field: "entry_price", Reason: "prices must not be negative"}
	}
	for _, tp := range d.TakeProfit {
		if tp < 0 {
			return &DecisionError{Field: "take_profit", Reason: "prices must not be negative"}
		}
	}
	return nil
}

// VerdictAction is the answer to a limit-order re-evaluation.
type VerdictAction string

const (
	VerdictContinueWait    VerdictAction = "continue_wait"
	VerdictModify          VerdictAction = "modify"
	VerdictCancel          VerdictAction = "cancel"
	VerdictCancelAndMarket VerdictAction = "cancel_and_market"
)

// LimitOrderVerdict is what the policy decided for a stale limit order.
type LimitOrderVerdict struct {
	Action   VerdictAction `json:"action"`
	NewPrice float64       `json:"new_price,omitempty"`
	Reason   string        `json:"reason"`
}

// Validate rejects unknown verdicts.
func (v LimitOrderVerdict) Validate() error {
	switch v.Action {
	case VerdictContinueWait, VerdictModify, VerdictCancel, VerdictCancelAndMarket:
	default:
		return &DecisionError{Field: "action", Reason: fmt.Sprintf("unknown verdict %q", v.Action)}
	}
	if v.NewPrice < 0 {
		return &DecisionError{Field: "new_price", Reason: "must not be negative"}
	}
	return nil
}

// ParseVerdict reads a limit-order verdict from a policy reply. A reply without a usable JSON
// object falls back to keyword matching on the text, and an empty reply means continue_wait.
func ParseVerdict(raw []byte) (LimitOrderVerdict, error) {
	text := string(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var v LimitOrderVerdict
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil && v.Action != "" {
			v.Action = VerdictAction(strings.ToLower(strings.TrimSpace(string(v.Action))))
			if err := v.Validate(); err != nil {
				return LimitOrderVerdict{}, err
			}
			return v, nil
		}
	}

	lower := strings.ToLower(text)
	v := LimitOrderVerdict{Action: VerdictContinueWait, Reason: strings.TrimSpace(text)}
	switch {
	case strings.Contains(lower, "cancel_and_market"), strings.Contains(lower, "cancel and market"):
		v.Action = VerdictCancelAndMarket
	case strings.Contains(lower, "modify"):
		v.Action = VerdictModify
	case strings.Contains(lower, "cancel"):
		v.Action = VerdictCancel
	}
	return v, nil
}
