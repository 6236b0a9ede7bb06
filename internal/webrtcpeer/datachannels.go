package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel names the channel file transfers run over.
const DataChannelLabel = "FileCast"

// CreateTransferChannel opens the ordered, fully reliable channel the chunk
// transfer protocol requires.
func CreateTransferChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
}

func validateTransferChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("transfer datachannel must be ordered")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("transfer datachannel must be fully reliable")
	}
	return nil
}
