package clock

import (
	"bytes"
	"runtime"
	"strconv"
)

// goid returns the current goroutine's id, parsed from the stack header
// ("goroutine 123 [running]:"). The runtime does not expose the id directly;
// reentrancy detection needs it to tell a notification handler calling
// Advance apart from an ordinary concurrent caller, which must queue instead.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
