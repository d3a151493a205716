package uds

import "fmt"

// report types for ReadDTCInformation
const (
	ReportNumberOfDTCByStatusMask byte = 0x01
	ReportDTCByStatusMask         byte = 0x02
)

// DTC is one decoded diagnostic trouble code with its status byte.
type DTC struct {
	Code   string
	Status byte
}

func (d DTC) String() string {
	return fmt.Sprintf("%s status 0x%02X", d.Code, d.Status)
}

var dtcLetters = [4]byte{'P', 'C', 'B', 'U'}

// DecodeDTCs parses the body of a reportDTCByStatusMask response: one status
// availability byte followed by 4 byte records (3 code bytes + status).
func DecodeDTCs(data []byte) []DTC {
	if len(data) < 1 {
		return nil
	}
	records := data[1:]
	out := make([]DTC, 0, len(records)/4)
	for len(records) >= 4 {
		hi, mid, lo, status := records[0], records[1], records[2], records[3]
		code := fmt.Sprintf("%c%d%X%02X-%02X", dtcLetters[hi>>6], (hi>>4)&0x03, hi&0x0F, mid, lo)
		out = append(out, DTC{Code: code, Status: status})
		records = records[4:]
	}
	return out
}
