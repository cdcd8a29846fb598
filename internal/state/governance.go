package state

import (
	"KeepTrade/internal/fee"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidGovernance = errors.New("invalid governance address")

// Governance owns the fee configuration and the governance address. It is the
// only mutator of either; every setter is gated on the current address and
// leaves state untouched on failure.
type Governance struct {
	address common.Address
	config  fee.Config
}

// NewGovernance validates cfg and installs addr as the initial governor.
func NewGovernance(addr common.Address, cfg fee.Config) (*Governance, error) {
	if addr == (common.Address{}) {
		return nil, ErrInvalidGovernance
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("initial fee config: %w", err)
	}
	return &Governance{address: addr, config: cfg.Clone()}, nil
}

// Address is the current governor, also the protocol fee recipient.
func (g *Governance) Address() common.Address {
	return g.address
}

func (g *Governance) IsGovernance(caller common.Address) bool {
	return caller == g.address
}

// Config returns a copy of the live fee configuration.
func (g *Governance) Config() fee.Config {
	return g.config.Clone()
}

func (g *Governance) authorize(caller common.Address, op string) error {
	if !g.IsGovernance(caller) {
		return fmt.Errorf("%s by %s: only governance: %w", op, caller.Hex(), ErrPermissionDenied)
	}
	return nil
}

func (g *Governance) SetRequirements(caller common.Address, r fee.Requirements) error {
	if err := g.authorize(caller, "set requirements"); err != nil {
		return err
	}
	if err := fee.ValidateRequirements(r); err != nil {
		return err
	}
	next := fee.Config{Requirements: r, Multipliers: g.config.Multipliers}
	g.config = next.Clone()
	return nil
}

func (g *Governance) SetFees(caller common.Address, m fee.Multipliers) error {
	if err := g.authorize(caller, "set fees"); err != nil {
		return err
	}
	if err := fee.ValidateMultipliers(m); err != nil {
		return err
	}
	g.config.Multipliers = m
	return nil
}

// SetGovernance hands control to next.
func (g *Governance) SetGovernance(caller, next common.Address) error {
	if err := g.authorize(caller, "set governance"); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return ErrInvalidGovernance
	}
	g.address = next
	return nil
}

// Restore is used by snapshot restore only.
func (g *Governance) Restore(addr common.Address, cfg fee.Config) error {
	if addr == (common.Address{}) {
		return ErrInvalidGovernance
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.address = addr
	g.config = cfg.Clone()
	return nil
}
