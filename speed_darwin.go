//go:build darwin

package porch

// speedType converts a wire uint32 baud rate into Termios.Ispeed/Ospeed's
// field type (uint64 on Darwin).
func speedType(v uint32) uint64 { return uint64(v) }
