// policy.go defines the strategy variants as policies over the grid core.
//
// All four variants share the same buy ladder; they differ only in whether
// and how the sell side is produced:
//
//   - GridHODL: counter-sells the fee-corrected quote amount, slowly
//     accumulating base over full cycles.
//   - GridSell: counter-sells exactly the executed buy volume, accumulating
//     quote instead.
//   - SWING: GridHODL plus an extra sell placed from spare base balance
//     two intervals above the reference price.
//   - cDCA: never sells; the buy ladder is a continuous DCA.
package strategy

import (
	"fmt"

	"kraken-gridbot/internal/config"
)

// Policy is the variant-specific behavior injected into the grid core.
type Policy interface {
	Name() string
	// PlacesSells reports whether a filled buy gets a counter-sell.
	PlacesSells() bool
	// SellsBuyVolume reports whether the counter-sell volume is the buy's
	// executed volume rather than the fee-corrected quote amount.
	SellsBuyVolume() bool
	// HasExtraSell reports whether spare base balance is sold off two
	// intervals above the market.
	HasExtraSell() bool
}

type gridHODL struct{}

func (gridHODL) Name() string         { return config.StrategyGridHODL }
func (gridHODL) PlacesSells() bool    { return true }
func (gridHODL) SellsBuyVolume() bool { return false }
func (gridHODL) HasExtraSell() bool   { return false }

type gridSell struct{}

func (gridSell) Name() string         { return config.StrategyGridSell }
func (gridSell) PlacesSells() bool    { return true }
func (gridSell) SellsBuyVolume() bool { return true }
func (gridSell) HasExtraSell() bool   { return false }

type swing struct{}

func (swing) Name() string         { return config.StrategySwing }
func (swing) PlacesSells() bool    { return true }
func (swing) SellsBuyVolume() bool { return false }
func (swing) HasExtraSell() bool   { return true }

type cDCA struct{}

func (cDCA) Name() string         { return config.StrategyCDCA }
func (cDCA) PlacesSells() bool    { return false }
func (cDCA) SellsBuyVolume() bool { return false }
func (cDCA) HasExtraSell() bool   { return false }

// PolicyFromName resolves a configured strategy name.
func PolicyFromName(name string) (Policy, error) {
	switch name {
	case config.StrategyGridHODL:
		return gridHODL{}, nil
	case config.StrategyGridSell:
		return gridSell{}, nil
	case config.StrategySwing:
		return swing{}, nil
	case config.StrategyCDCA:
		return cDCA{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
