package uds

import "fmt"

// NegativeResponseError is returned when the ECU answers 0x7F.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("%s rejected: 0x%02X (%s)", ServiceName(e.Service), e.Code, NRCDescription(e.Code))
}

// UnexpectedServiceError is returned when a response does not echo the
// requested service id + 0x40.
type UnexpectedServiceError struct {
	Want byte
	Got  byte
}

func (e *UnexpectedServiceError) Error() string {
	return fmt.Sprintf("unexpected response service id 0x%02X, want 0x%02X", e.Got, e.Want)
}

// IsNegative reports whether err is a negative response carrying one of the
// given codes. Without codes it matches any negative response.
func IsNegative(err error, codes ...byte) bool {
	nre, ok := err.(*NegativeResponseError)
	if !ok {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if nre.Code == c {
			return true
		}
	}
	return false
}
