package workflow

import (
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/material_ledger/models"
)

// CandidateLot is one recipe lot of the SKU being destroyed.
type CandidateLot struct {
	LotId           int `json:"lot_id"`
	QuantityPerUnit int `json:"quantity_per_unit"`
	// NetConsumed is what the SKU took from the lot minus what it already gave back.
	NetConsumed int `json:"net_consumed"`
}

// ReturnBound is the most that destroying destroyedQty units may give back to the lot.
func (c CandidateLot) ReturnBound(destroyedQty int) int {
	return max(0, min(c.QuantityPerUnit*destroyedQty, c.NetConsumed))
}

// LotSelection is the caller's choice for one lot. Quantity is required for OTHER and
// must be omitted (or equal the full amount) for REWORK.
type LotSelection struct {
	LotId    int  `json:"lot_id"`
	Quantity *int `json:"quantity,omitempty"`
}

// ReturnDraft is a planned return; it becomes a ledger entry with delta -Quantity.
type ReturnDraft struct {
	LotId    int `json:"lot_id"`
	Quantity int `json:"quantity"`
}

// ResolveDestroyPolicy maps a reason code and an optional selection to the lots that get material back.
//
//   - GIFT, LOST: nothing returns; any selection is rejected.
//   - REWORK: every candidate returns its full share unless a selection lists the lots to keep returning.
//   - OTHER: only listed lots return, each with an explicit quantity no larger than its bound.
//
// A nil selection means "no choice made"; an empty non-nil selection deselects everything.
func ResolveDestroyPolicy(reason models.DestroyReason, destroyedQty int, candidates []CandidateLot, selection []LotSelection) ([]ReturnDraft, error) {
	if destroyedQty <= 0 {
		return nil, models.ErrInvalidQuantity
	}
	if !reason.IsValid() {
		return nil, fmt.Errorf("invalid destroy reason %q", reason)
	}

	byLot := make(map[int]CandidateLot, len(candidates))
	for _, c := range candidates {
		byLot[c.LotId] = c
	}
	seen := make(map[int]bool, len(selection))
	for _, s := range selection {
		if _, ok := byLot[s.LotId]; !ok {
			return nil, fmt.Errorf("%w: lot %d is not part of this sku's recipe", models.ErrInvalidLotSelection, s.LotId)
		}
		if seen[s.LotId] {
			return nil, fmt.Errorf("%w: lot %d selected twice", models.ErrInvalidLotSelection, s.LotId)
		}
		seen[s.LotId] = true
	}

	plan := []ReturnDraft{}
	switch reason {
	case models.DestroyReasonGift, models.DestroyReasonLost:
		if len(selection) > 0 {
			return nil, fmt.Errorf("%w: %s", models.ErrPolicyOverride, reason)
		}
		return plan, nil

	case models.DestroyReasonRework:
		if selection == nil {
			for _, c := range candidates {
				if bound := c.ReturnBound(destroyedQty); bound > 0 {
					plan = append(plan, ReturnDraft{LotId: c.LotId, Quantity: bound})
				}
			}
			break
		}
		for _, s := range selection {
			bound := byLot[s.LotId].ReturnBound(destroyedQty)
			if s.Quantity != nil && *s.Quantity != bound {
				return nil, fmt.Errorf("%w: rework returns the full %d for lot %d, got %d",
					models.ErrInvalidLotSelection, bound, s.LotId, *s.Quantity)
			}
			if bound > 0 {
				plan = append(plan, ReturnDraft{LotId: s.LotId, Quantity: bound})
			}
		}

	case models.DestroyReasonOther:
		for _, s := range selection {
			if s.Quantity == nil {
				return nil, fmt.Errorf("%w: quantity is required for lot %d", models.ErrInvalidLotSelection, s.LotId)
			}
			qty := *s.Quantity
			if qty < 0 {
				return nil, fmt.Errorf("%w: negative quantity for lot %d", models.ErrInvalidLotSelection, s.LotId)
			}
			if qty == 0 {
				continue
			}
			if bound := byLot[s.LotId].ReturnBound(destroyedQty); qty > bound {
				return nil, &models.OverReturnError{LotId: s.LotId, Requested: qty, Allowed: bound}
			}
			plan = append(plan, ReturnDraft{LotId: s.LotId, Quantity: qty})
		}
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].LotId < plan[j].LotId })
	return plan, nil
}

// PlanLotIds lists the lots a plan touches, ascending.
func PlanLotIds(plan []ReturnDraft) []int {
	ids := make([]int, 0, len(plan))
	for _, d := range plan {
		ids = append(ids, d.LotId)
	}
	sort.Ints(ids)
	return ids
}
