package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectRef identifies a single BACnet object on a device.
//
// Format: type:instance (e.g. "analog-input:1").
type ObjectRef struct {
	Type     string
	Instance uint32
}

// maxInstance is the largest valid object instance number.
// BACnet object identifiers reserve 22 bits for the instance.
const maxInstance = 0x3FFFFF

// knownObjectTypes lists the object types the collector accepts in
// device configuration. Metering hardware rarely exposes anything else.
var knownObjectTypes = map[string]struct{}{
	"analog-input":      {},
	"analog-output":     {},
	"analog-value":      {},
	"binary-input":      {},
	"binary-output":     {},
	"binary-value":      {},
	"multi-state-input": {},
	"multi-state-value": {},
	"accumulator":       {},
	"pulse-converter":   {},
}

// ParseObjectRef parses an object reference string.
//
// Accepts formats:
//   - "analog-input:1" — canonical kebab-case
//   - "analogInput:1" — camelCase, normalised on parse
//
// Parameters:
//   - s: Object reference string
//
// Returns:
//   - ObjectRef: Parsed reference
//   - error: ErrInvalidObjectRef if parsing fails
//
// Example:
//
//	obj, err := bacnet.ParseObjectRef("analog-input:1")
//	if err != nil {
//	    return err
//	}
func ParseObjectRef(s string) (ObjectRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ObjectRef{}, fmt.Errorf("%w: expected type:instance, got %q", ErrInvalidObjectRef, s)
	}

	typ := normaliseObjectType(parts[0])
	if _, ok := knownObjectTypes[typ]; !ok {
		return ObjectRef{}, fmt.Errorf("%w: unrecognised object type %q", ErrInvalidObjectRef, parts[0])
	}

	instance, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || instance > maxInstance {
		return ObjectRef{}, fmt.Errorf("%w: instance must be 0-%d, got %q", ErrInvalidObjectRef, maxInstance, parts[1])
	}

	return ObjectRef{
		Type:     typ,
		Instance: uint32(instance),
	}, nil
}

// normaliseObjectType converts a camelCase object type name to the
// canonical kebab-case form. Already-canonical names pass through.
func normaliseObjectType(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String returns the reference in canonical type:instance form.
//
// Example: "analog-input:1"
func (o ObjectRef) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.Instance)
}

// IsValid returns true if the reference names a known object type and
// a representable instance number.
func (o ObjectRef) IsValid() bool {
	_, ok := knownObjectTypes[o.Type]
	return ok && o.Instance <= maxInstance
}
