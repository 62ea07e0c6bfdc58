package access

import (
	"fmt"
	"strings"
)

// Level is a permission bitmask.
type Level uint8

const (
	Read Level = 1 << iota
	Write
	Execute
)

const (
	None        Level = 0
	ReadOnly    Level = Read
	WriteOnly   Level = Write
	ReadWrite   Level = Read | Write
	ReadExecute Level = Read | Execute
	Full        Level = Read | Write | Execute
)

// Allows reports whether l covers every bit of req.
func (l Level) Allows(req Level) bool { return l&req == req }

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case ReadOnly:
		return "read"
	case WriteOnly:
		return "write"
	case ReadWrite:
		return "read-write"
	case ReadExecute:
		return "read-execute"
	case Full:
		return "full"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel accepts the names produced by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "read-only", "ro":
		return ReadOnly, nil
	case "write", "write-only", "wo":
		return WriteOnly, nil
	case "read-write", "rw":
		return ReadWrite, nil
	case "read-execute", "rx":
		return ReadExecute, nil
	case "full", "all":
		return Full, nil
	case "none", "":
		return None, nil
	}
	return None, fmt.Errorf("unknown access level %q", s)
}
