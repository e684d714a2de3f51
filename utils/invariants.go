//go:build invariants

package utils

// InvariantsEnabled is true when the binary is built with the invariants tag.
const InvariantsEnabled = true
