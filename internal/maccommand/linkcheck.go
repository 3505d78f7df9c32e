package maccommand

import (
	"github.com/brocaar/lorawan"
)

// maxMargin is the largest LinkCheckAns margin sent (255 is reserved);
// larger margins are clamped to it rather than overflowing the uint8 field.
const maxMargin = 254

// HandleLinkCheckReq builds the LinkCheckAns for the uplink's observed SNR
// margin and the number of gateways that received the frame.
func HandleLinkCheckReq(maxSNR float64, requiredSNR float64, gwCount int) lorawan.MACCommand {
	margin := int(maxSNR - requiredSNR)
	if margin < 0 {
		margin = 0
	}
	if margin > maxMargin {
		margin = maxMargin
	}

	if gwCount > 255 {
		gwCount = 255
	}

	return lorawan.MACCommand{
		CID: lorawan.LinkCheckAns,
		Payload: &lorawan.LinkCheckAnsPayload{
			Margin: uint8(margin),
			GwCnt:  uint8(gwCount),
		},
	}
}
