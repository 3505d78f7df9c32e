package storage

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// TestGetFullFCntUp proves the 16-bit-to-32-bit frame-counter
// reconstruction, covering every (next_expected, truncated) pair the
// testable-properties table enumerates.
func TestGetFullFCntUp(t *testing.T) {
	Convey("Given a nextExpectedFullFCnt and a truncated uplink FCnt", t, func() {
		testTable := []struct {
			Name                 string
			NextExpectedFullFCnt uint32
			TruncatedFCntUp      uint32
			ExpectedFullFCnt     uint32
		}{
			{Name: "truncated value matches expected LSBs", NextExpectedFullFCnt: 1, TruncatedFCntUp: 1, ExpectedFullFCnt: 1},
			{Name: "truncated value wraps past 65536", NextExpectedFullFCnt: 65536, TruncatedFCntUp: 0, ExpectedFullFCnt: 65536},
			{Name: "truncated value one past a 65536 rollover", NextExpectedFullFCnt: 65537, TruncatedFCntUp: 1, ExpectedFullFCnt: 65537},
			{Name: "truncated value wraps at the zero boundary as one-ahead", NextExpectedFullFCnt: 0, TruncatedFCntUp: 1, ExpectedFullFCnt: 1},
			{Name: "truncated value two past a 65536 rollover", NextExpectedFullFCnt: 65537, TruncatedFCntUp: 2, ExpectedFullFCnt: 65538},
			{Name: "truncated value is one below expected (retransmission)", NextExpectedFullFCnt: 2, TruncatedFCntUp: 1, ExpectedFullFCnt: 1},
			{Name: "truncated value one below expected after a rollover", NextExpectedFullFCnt: 65537, TruncatedFCntUp: 0, ExpectedFullFCnt: 65536},
			{Name: "truncated value one below expected at the top of the 16-bit range", NextExpectedFullFCnt: 65536, TruncatedFCntUp: 65535, ExpectedFullFCnt: 65535},
			{Name: "truncated value one above expected wraps the full 32-bit counter to zero", NextExpectedFullFCnt: 4294967295, TruncatedFCntUp: 0, ExpectedFullFCnt: 0},
		}

		for _, tst := range testTable {
			tst := tst
			Convey("Then "+tst.Name, func() {
				So(GetFullFCntUp(tst.NextExpectedFullFCnt, tst.TruncatedFCntUp), ShouldEqual, tst.ExpectedFullFCnt)
			})
		}
	})
}
