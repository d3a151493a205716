package adapter

import (
	"errors"

	"github.com/albenik/bcd"
)

/*
Status flag bits reported by Lawicel style adapters:

Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI)
Bit 3 Data Overrun (DOI)
Bit 4 Not used
Bit 5 Error Passive (EPI)
Bit 6 Arbitration Lost (ALI)
Bit 7 Bus Error (BEI)
*/
func decodeStatus(b []byte) error {
	if len(b) < 3 {
		return nil
	}
	bs := int(bcd.ToUint16(b[1:]))
	switch true {
	case checkBitSet(bs, 1):
		return errors.New("CAN receive FIFO queue full")
	case checkBitSet(bs, 2):
		return errors.New("CAN transmit FIFO queue full")
	case checkBitSet(bs, 3):
		return errors.New("error warning (EI)")
	case checkBitSet(bs, 4):
		return errors.New("data overrun (DOI)")
	case checkBitSet(bs, 6):
		return errors.New("error passive (EPI)")
	case checkBitSet(bs, 7):
		return errors.New("arbitration lost (ALI)")
	case checkBitSet(bs, 8):
		return errors.New("bus error (BEI)")
	}
	return nil
}

func checkBitSet(n, k int) bool {
	v := n & (1 << (k - 1))
	return v == 1<<(k-1)
}
