package phy

import "errors"

var (
	// ErrCorrelatorFull is returned when too many set-phy commands are outstanding
	ErrCorrelatorFull = errors.New("phy: correlation queue full")

	// ErrUnknownPreference is returned by ParsePreference
	ErrUnknownPreference = errors.New("phy: unknown preference")
)
