package uds

// SessionType is the diagnostic session sub-function of service 0x10.
type SessionType byte

const (
	SessionDefault     SessionType = 0x01
	SessionProgramming SessionType = 0x02
	SessionExtended    SessionType = 0x03
)

func (s SessionType) String() string {
	switch s {
	case SessionDefault:
		return "default"
	case SessionProgramming:
		return "programming"
	case SessionExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// SecurityLevel is the ordered privilege ladder used by security access.
// Level 0 means locked.
type SecurityLevel byte

const (
	LevelLocked SecurityLevel = iota
	Level1
	Level2
	Level3
	Level4
	Level5
	Level6
)

// RequestSeedSub returns the odd security access sub-function that requests
// a seed for this level.
func (l SecurityLevel) RequestSeedSub() byte {
	return byte(2*l - 1)
}

// SendKeySub returns the even sub-function that carries the key.
func (l SecurityLevel) SendKeySub() byte {
	return byte(2 * l)
}

// EcuSession is the one owned piece of connection state: which diagnostic
// session is active and which security level has been granted. It is guarded
// by the client's conversation lock.
type EcuSession struct {
	Type          SessionType
	SecurityLevel SecurityLevel
}

// ECU reset sub-functions
const (
	ResetHard     byte = 0x01
	ResetKeyOffOn byte = 0x02
	ResetSoft     byte = 0x03
)

// Routine control types
const (
	RoutineStart         byte = 0x01
	RoutineStop          byte = 0x02
	RoutineRequestResult byte = 0x03
)
