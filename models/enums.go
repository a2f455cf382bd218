package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type MaterialKind string

const (
	MaterialKindLooseBeads   MaterialKind = "LooseBeads"
	MaterialKindBracelet     MaterialKind = "Bracelet"
	MaterialKindAccessory    MaterialKind = "Accessory"
	MaterialKindFinishedGood MaterialKind = "FinishedGood"
)

var materialKinds = map[string]MaterialKind{
	"LooseBeads":   MaterialKindLooseBeads,
	"Bracelet":     MaterialKindBracelet,
	"Accessory":    MaterialKindAccessory,
	"FinishedGood": MaterialKindFinishedGood,
}

func ParseMaterialKind(s string) (MaterialKind, error) {
	k, ok := materialKinds[strings.TrimSpace(s)]
	if !ok {
		return "", fmt.Errorf("invalid material kind %q", s)
	}
	return k, nil
}

func (k MaterialKind) IsValid() bool {
	_, ok := materialKinds[string(k)]
	return ok
}

// convert input to enum type
func (k *MaterialKind) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("material kind must be string")
	}
	parsed, err := ParseMaterialKind(str)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type LotStatus string

const (
	LotStatusActive LotStatus = "ACTIVE"
	LotStatusUsed   LotStatus = "USED"
)

// LotStatusFor derives the convenience flag from a computed balance.
func LotStatusFor(remaining int) LotStatus {
	if remaining <= 0 {
		return LotStatusUsed
	}
	return LotStatusActive
}

type InventoryAction string

const (
	InventoryActionCreate  InventoryAction = "CREATE"
	InventoryActionAdjust  InventoryAction = "ADJUST"
	InventoryActionSell    InventoryAction = "SELL"
	InventoryActionDestroy InventoryAction = "DESTROY"
	InventoryActionRestock InventoryAction = "RESTOCK"
)

var inventoryActions = map[string]InventoryAction{
	"CREATE":  InventoryActionCreate,
	"ADJUST":  InventoryActionAdjust,
	"SELL":    InventoryActionSell,
	"DESTROY": InventoryActionDestroy,
	"RESTOCK": InventoryActionRestock,
}

func ParseInventoryAction(s string) (InventoryAction, error) {
	a, ok := inventoryActions[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("invalid inventory action %q", s)
	}
	return a, nil
}

func (a *InventoryAction) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("inventory action must be string")
	}
	parsed, err := ParseInventoryAction(str)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ConsumesMaterial reports whether the action appends positive ledger entries.
func (a InventoryAction) ConsumesMaterial() bool {
	return a == InventoryActionCreate || a == InventoryActionAdjust || a == InventoryActionRestock
}

// DestroyReason is a closed set. Free-text notes never select a policy.
type DestroyReason string

const (
	DestroyReasonGift   DestroyReason = "GIFT"
	DestroyReasonLost   DestroyReason = "LOST"
	DestroyReasonRework DestroyReason = "REWORK"
	DestroyReasonOther  DestroyReason = "OTHER"
)

var destroyReasons = map[string]DestroyReason{
	"GIFT":   DestroyReasonGift,
	"LOST":   DestroyReasonLost,
	"REWORK": DestroyReasonRework,
	"OTHER":  DestroyReasonOther,
}

// ParseDestroyReason accepts only the exact codes; "gift" or "rework" inside a sentence is not a code.
func ParseDestroyReason(s string) (DestroyReason, error) {
	r, ok := destroyReasons[s]
	if !ok {
		return "", fmt.Errorf("invalid destroy reason %q", s)
	}
	return r, nil
}

func (r DestroyReason) IsValid() bool {
	_, ok := destroyReasons[string(r)]
	return ok
}

func (r *DestroyReason) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("destroy reason must be string")
	}
	parsed, err := ParseDestroyReason(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type AnomalyStatus string

const (
	AnomalyStatusOpen     AnomalyStatus = "OPEN"
	AnomalyStatusResolved AnomalyStatus = "RESOLVED"
)
