package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Beads counts individual loose beads.
type Beads int

// Pieces counts whole items (bracelets, accessories, finished goods).
type Pieces int

const (
	UnitLabelBeads  = "beads"
	UnitLabelPieces = "pieces"
)

// MaterialSpec is the per-kind description of what a purchase lot holds.
// Each kind carries its own quantity unit; the lot row stores Units() as initial_quantity
// and the remaining fields as JSON attributes.
type MaterialSpec interface {
	Kind() MaterialKind
	Units() int
	UnitLabel() string
}

type LooseBeadsSpec struct {
	Beads      Beads           `json:"-"`
	DiameterMm decimal.Decimal `json:"diameter_mm"`
}

func (s LooseBeadsSpec) Kind() MaterialKind { return MaterialKindLooseBeads }
func (s LooseBeadsSpec) Units() int         { return int(s.Beads) }
func (s LooseBeadsSpec) UnitLabel() string  { return UnitLabelBeads }

type BraceletSpec struct {
	Pieces        Pieces `json:"-"`
	BeadsPerPiece int    `json:"beads_per_piece"`
}

func (s BraceletSpec) Kind() MaterialKind { return MaterialKindBracelet }
func (s BraceletSpec) Units() int         { return int(s.Pieces) }
func (s BraceletSpec) UnitLabel() string  { return UnitLabelPieces }

type AccessorySpec struct {
	Pieces Pieces `json:"-"`
	Finish string `json:"finish,omitempty"`
}

func (s AccessorySpec) Kind() MaterialKind { return MaterialKindAccessory }
func (s AccessorySpec) Units() int         { return int(s.Pieces) }
func (s AccessorySpec) UnitLabel() string  { return UnitLabelPieces }

type FinishedGoodSpec struct {
	Pieces Pieces `json:"-"`
}

func (s FinishedGoodSpec) Kind() MaterialKind { return MaterialKindFinishedGood }
func (s FinishedGoodSpec) Units() int         { return int(s.Pieces) }
func (s FinishedGoodSpec) UnitLabel() string  { return UnitLabelPieces }

// DecodeMaterialSpec rebuilds the variant from the persisted kind, quantity and attributes.
func DecodeMaterialSpec(kind MaterialKind, units int, attributes []byte) (MaterialSpec, error) {
	if len(attributes) == 0 {
		attributes = []byte("{}")
	}
	switch kind {
	case MaterialKindLooseBeads:
		var s LooseBeadsSpec
		if err := json.Unmarshal(attributes, &s); err != nil {
			return nil, fmt.Errorf("decode %s attributes: %w", kind, err)
		}
		s.Beads = Beads(units)
		return s, nil
	case MaterialKindBracelet:
		var s BraceletSpec
		if err := json.Unmarshal(attributes, &s); err != nil {
			return nil, fmt.Errorf("decode %s attributes: %w", kind, err)
		}
		s.Pieces = Pieces(units)
		return s, nil
	case MaterialKindAccessory:
		var s AccessorySpec
		if err := json.Unmarshal(attributes, &s); err != nil {
			return nil, fmt.Errorf("decode %s attributes: %w", kind, err)
		}
		s.Pieces = Pieces(units)
		return s, nil
	case MaterialKindFinishedGood:
		var s FinishedGoodSpec
		if err := json.Unmarshal(attributes, &s); err != nil {
			return nil, fmt.Errorf("decode %s attributes: %w", kind, err)
		}
		s.Pieces = Pieces(units)
		return s, nil
	default:
		return nil, fmt.Errorf("invalid material kind %q", kind)
	}
}

// encodeSpecAttributes serializes the kind-specific fields (the quantity lives in its own column).
func encodeSpecAttributes(spec MaterialSpec) ([]byte, error) {
	return json.Marshal(spec)
}

// canonicalAttributes re-encodes JSON so storage formatting (key order, spacing) does not leak into checksums.
func canonicalAttributes(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
