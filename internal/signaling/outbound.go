package signaling

import (
	"github.com/filecast/filecast/internal/hub"
)

type idMessage struct {
	Signal Signal `json:"signal"`
	ID     string `json:"id"`
}

type deviceListMessage struct {
	Signal        Signal     `json:"signal"`
	DevicesOnline []hub.Peer `json:"devicesOnline"`
}

type errorMessage struct {
	Signal  Signal `json:"signal"`
	Message string `json:"message"`
}

func encodeID(id string) []byte {
	b, _ := marshalNoEscape(idMessage{Signal: SignalID, ID: id})
	return b
}

func encodeDeviceList(peers []hub.Peer) []byte {
	if peers == nil {
		peers = []hub.Peer{}
	}
	b, _ := marshalNoEscape(deviceListMessage{Signal: SignalDeviceList, DevicesOnline: peers})
	return b
}

func encodeError(message string) []byte {
	b, _ := marshalNoEscape(errorMessage{Signal: SignalError, Message: message})
	return b
}
