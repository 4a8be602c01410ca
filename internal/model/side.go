// Package model defines the core domain types for the prediction market
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSide is returned when a side token cannot be parsed.
var ErrInvalidSide = errors.New("model: side must be \"yes\" or \"no\"")

// Side identifies which outcome of a binary market a trade or position is on.
// Raw strings from request input are parsed once at the boundary via
// ParseSide; everything inward operates on the enum.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide parses a side token case-insensitively.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidSide, s)
	}
}

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Wins reports whether this side pays out for the given resolution outcome.
func (s Side) Wins(outcome bool) bool {
	return (outcome && s == SideYes) || (!outcome && s == SideNo)
}

func (s Side) String() string { return string(s) }
