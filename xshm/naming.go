package xshm

import "path/filepath"

// Direction distinguishes the two event flows of a ring pair (§6).
type Direction int

const (
	ServerToClient Direction = iota
	ClientToServer
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "S2C"
	}
	return "C2S"
}

// DefaultBaseDir is where segments and event FIFOs are created, mirroring
// the "Local\\" Windows object namespace with a POSIX shared-memory
// directory — see SPEC_FULL.md "Platform adaptation".
const DefaultBaseDir = "/dev/shm"

// SegmentPath returns the path of the shared segment file for base name
// `name`, e.g. "XSHM_SEG_{name}" under dir.
func SegmentPath(dir, name string) string {
	return filepath.Join(dir, "XSHM_SEG_"+name)
}

// EventPath returns the path of one of the seven named event FIFOs for base
// name `name`, e.g. "XSHM_{name}_{dir}_{suffix}" under dir.
func EventPath(dir, name string, direction Direction, suffix string) string {
	return filepath.Join(dir, "XSHM_"+name+"_"+direction.String()+"_"+suffix)
}
