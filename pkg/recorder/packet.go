package recorder

import (
	"github.com/asticode/go-astiav"
)

var packetPool = newPool(
	astiav.AllocPacket,
	func(p *astiav.Packet) { p.Unref() },
	func(p *astiav.Packet) { p.Free() },
)

// EncoderOutput is one compressed packet on its way from an encode stage to
// the mux stage. The timestamps are already rescaled into the time base of
// Stream, and the packet's stream index is already set.
type EncoderOutput struct {
	Packet *astiav.Packet
	Stream *astiav.Stream
}
