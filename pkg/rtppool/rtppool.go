// Package rtppool pools RTP packets and read buffers for receive loops.
package rtppool

import (
	"errors"
	"sync"

	"github.com/pion/rtp"
)

const maxPayloadLen = 1500

var errShortPacket = errors.New("rtppool: packet shorter than header")

type RTPPool struct {
	packets  sync.Pool
	payloads sync.Pool
}

func New() *RTPPool {
	return &RTPPool{
		packets: sync.Pool{
			New: func() any {
				return &rtp.Packet{}
			},
		},
		payloads: sync.Pool{
			New: func() any {
				buf := make([]byte, maxPayloadLen)
				return &buf
			},
		},
	}
}

func (r *RTPPool) GetPacket() *rtp.Packet {
	return r.packets.Get().(*rtp.Packet)
}

func (r *RTPPool) PutPacket(p *rtp.Packet) {
	*p = rtp.Packet{}
	r.packets.Put(p)
}

// GetPayload returns a buffer large enough for one datagram.
func (r *RTPPool) GetPayload() *[]byte {
	return r.payloads.Get().(*[]byte)
}

func (r *RTPPool) PutPayload(buf *[]byte) {
	*buf = (*buf)[:cap(*buf)]
	r.payloads.Put(buf)
}

// Unmarshal parses buf into p without copying. p.Payload aliases buf, so p
// must not outlive the buffer.
func Unmarshal(buf []byte, p *rtp.Packet) error {
	n, err := p.Header.Unmarshal(buf)
	if err != nil {
		return err
	}

	end := len(buf)
	if p.Header.Padding {
		p.PaddingSize = buf[end-1]
		end -= int(p.PaddingSize)
	}

	if end < n {
		return errShortPacket
	}

	p.Payload = buf[n:end]

	return nil
}
