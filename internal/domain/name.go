// Package domain contains entities without transport or lifecycle logic.
package domain

import (
	"fmt"
	"strings"
)

const MaxDisplayNameLen = 36

// maxNameSuffix bounds the collision counter; reaching it means the
// party cannot produce a unique label for the requested base name.
const maxNameSuffix = 1 << 20

// ValidateDisplayName checks a human label before it enters a party.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// UniqueDisplayName returns desired if it is free, otherwise desired-N with
// the smallest N >= 2 that is not taken.
func UniqueDisplayName(desired string, taken map[string]struct{}) (string, error) {
	if _, ok := taken[desired]; !ok {
		return desired, nil
	}
	for n := 2; n < maxNameSuffix; n++ {
		candidate := fmt.Sprintf("%s-%d", desired, n)
		if _, ok := taken[candidate]; !ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNameCollision, desired)
}
