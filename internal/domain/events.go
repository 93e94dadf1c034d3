package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventKind names an inbound event type.
type EventKind string

const (
	KindBalanceObserved           EventKind = "balance_observed"
	KindLiquidityPositionObserved EventKind = "liquidity_position_observed"
	KindLiquidityFeesCollected    EventKind = "liquidity_fees_collected"
	KindLendingPositionObserved   EventKind = "lending_position_observed"
	KindAcquisitionOccurred       EventKind = "acquisition_occurred"
	KindDisposalOccurred          EventKind = "disposal_occurred"
)

// Event is a normalized observation pushed by an ingestion collaborator.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
}

// EventMeta is carried by every event. ID is optional; when set, a second
// event with the same ID for the account is rejected as a replay.
type EventMeta struct {
	ID      string    `json:"id,omitempty"`
	Account string    `json:"account"`
	At      time.Time `json:"at"`
}

// BalanceObserved replaces the spot balance of (account, asset, source).
type BalanceObserved struct {
	EventMeta
	Asset    Asset      `json:"asset"`
	Quantity Money      `json:"quantity"`
	Source   SourceKind `json:"source"`
	SourceID string     `json:"source_id,omitempty"`
}

// LiquidityPositionObserved opens or refreshes a concentrated-liquidity position.
// When State is set, fees are accrued on the previous liquidity before the
// new liquidity is applied.
type LiquidityPositionObserved struct {
	EventMeta
	PositionID string     `json:"position_id"`
	Pool       Pool       `json:"pool"`
	TickLower  int32      `json:"tick_lower"`
	TickUpper  int32      `json:"tick_upper"`
	Liquidity  Uint256    `json:"liquidity"`
	State      *PoolState `json:"state,omitempty"`
}

// LiquidityFeesCollected withdraws owed fees from a position.
type LiquidityFeesCollected struct {
	EventMeta
	PositionID string `json:"position_id"`
	Amount0    Money  `json:"amount0"`
	Amount1    Money  `json:"amount1"`
}

// LendingPositionObserved replaces the supply and debt of a lending position.
type LendingPositionObserved struct {
	EventMeta
	PositionID           string      `json:"position_id"`
	Market               Market      `json:"market"`
	Supplied             Money       `json:"supplied"`
	SuppliedAsCollateral bool        `json:"supplied_as_collateral"`
	VariableDebt         Money       `json:"variable_debt"`
	StableDebt           Money       `json:"stable_debt"`
	Mode                 LendingMode `json:"mode"`
}

// AcquisitionOccurred opens a new tax lot.
type AcquisitionOccurred struct {
	EventMeta
	LotID    string `json:"lot_id,omitempty"`
	Asset    Asset  `json:"asset"`
	Quantity Money  `json:"quantity"`
	UnitCost Money  `json:"unit_cost"`
}

// DisposalOccurred consumes lots. An empty Method uses the configured default.
type DisposalOccurred struct {
	EventMeta
	DisposalID string          `json:"disposal_id,omitempty"`
	Asset      Asset           `json:"asset"`
	Quantity   Money           `json:"quantity"`
	Proceeds   Money           `json:"proceeds"`
	Method     CostBasisMethod `json:"method,omitempty"`
}

func (e EventMeta) Meta() EventMeta { return e }

func (BalanceObserved) Kind() EventKind           { return KindBalanceObserved }
func (LiquidityPositionObserved) Kind() EventKind { return KindLiquidityPositionObserved }
func (LiquidityFeesCollected) Kind() EventKind    { return KindLiquidityFeesCollected }
func (LendingPositionObserved) Kind() EventKind   { return KindLendingPositionObserved }
func (AcquisitionOccurred) Kind() EventKind       { return KindAcquisitionOccurred }
func (DisposalOccurred) Kind() EventKind          { return KindDisposalOccurred }

// Envelope is the wire form of an event: {"kind": ..., "payload": {...}}.
type Envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// WrapEvent builds the envelope for e.
func WrapEvent(e Event) (Envelope, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s", e.Kind())
	}
	return Envelope{Kind: e.Kind(), Payload: raw}, nil
}

// Decode unmarshals the payload into the concrete event type.
func (env Envelope) Decode() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Kind {
	case KindBalanceObserved:
		var e BalanceObserved
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindLiquidityPositionObserved:
		var e LiquidityPositionObserved
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindLiquidityFeesCollected:
		var e LiquidityFeesCollected
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindLendingPositionObserved:
		var e LendingPositionObserved
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindAcquisitionOccurred:
		var e AcquisitionOccurred
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case KindDisposalOccurred:
		var e DisposalOccurred
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return nil, errors.Wrapf(ErrInvalidEvent, "unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidEvent, "decode %s: %v", env.Kind, err)
	}
	return ev, nil
}

// DecodeEvent parses one JSON envelope.
func DecodeEvent(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrapf(ErrInvalidEvent, "decode envelope: %v", err)
	}
	return env.Decode()
}
