package protocol

import (
	"sync"

	masterminds "github.com/Masterminds/semver/v3"
)

// Version is the envelope protocol version stamped on every envelope.
const Version = "1.0.0"

// compatibleRange accepts any envelope from the same major protocol line.
const compatibleRange = "^1.0.0"

var (
	constraintOnce sync.Once
	constraint     *masterminds.Constraints
)

// CompatibleVersion reports whether an envelope stamped with v can be
// processed by this build. Empty or unparsable versions are rejected.
func CompatibleVersion(v string) bool {
	if v == "" {
		return false
	}
	parsed, err := masterminds.NewVersion(v)
	if err != nil {
		return false
	}
	constraintOnce.Do(func() {
		c, err := masterminds.NewConstraint(compatibleRange)
		if err != nil {
			panic("protocol: invalid compatibility range: " + err.Error())
		}
		constraint = c
	})
	return constraint.Check(parsed)
}
