package flasher

// State is the position in the programming sequence. Transitions only move
// forward, except StateError which is reachable from anywhere and only Abort
// leaves it.
type State int

const (
	StateIdle State = iota
	StateBootloaderActive
	StateDownloading
	StateTransferring
	StateVerifying
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootloaderActive:
		return "bootloader active"
	case StateDownloading:
		return "downloading"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
