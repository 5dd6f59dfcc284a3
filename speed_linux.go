//go:build linux

package porch

// speedType converts a wire uint32 baud rate into Termios.Ispeed/Ospeed's
// field type (uint32 on Linux).
func speedType(v uint32) uint32 { return v }
