package validate

import (
	"fmt"
	"regexp"
)

// clientKindRe matches DNS-label-style kinds: 1-63 lowercase alphanumeric or
// hyphens, starting and ending with alphanumeric. Kinds appear in logs and
// metric labels, so they are kept free of separators and control characters.
var clientKindRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ClientKind checks that a node's announced client kind is label safe.
func ClientKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("%w: kind cannot be empty", ErrInvalidClientKind)
	}
	if !clientKindRe.MatchString(kind) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidClientKind, kind)
	}
	return nil
}
