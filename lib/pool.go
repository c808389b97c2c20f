package lib

import (
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/rs/zerolog/log"
)

var (
	// Pool holds the datagram read buffers shared by all endpoints of the process
	Pool     *rp.RingPool
	poolOnce sync.Once
)

// initPool builds the shared buffer pool. Only the first core's settings apply.
func initPool(config *RdtCoreConfig) {
	poolOnce.Do(func() {
		rp.Debug = config.PoolDebug
		Pool = rp.NewRingPool("RDT: ", config.PayloadPoolSize, NewPayload, MaxSegmentSize)
		Pool.Debug = config.PoolDebug
		Pool.ProcessTimeThreshold = time.Duration(config.ProcessTimeThreshold) * time.Millisecond
	})
}

// Payload is one pooled datagram buffer
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element; params[0] is the buffer length
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Msg("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		log.Error().Msg("NewPayload: Invalid data type of bufferLength. Should be of type int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset marks the payload empty. The bytes are overwritten by the next read.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent logs the content of the payload
func (p *Payload) PrintContent() {
	log.Debug().Int("len", p.length).Bytes("content", p.payloadBytes[:p.length]).Msg("payload")
}

// Buffer exposes the whole backing array for a read
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

func (p *Payload) SetLength(n int) {
	p.length = n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// readBuffer is a read buffer borrowed from Pool, or a private one when the pool is exhausted
type readBuffer struct {
	chunk   *rp.Element
	payload *Payload
}

func getReadBuffer() *readBuffer {
	if Pool != nil {
		if chunk := Pool.GetElement(); chunk != nil {
			if payload, ok := chunk.Data.(*Payload); ok {
				return &readBuffer{chunk: chunk, payload: payload}
			}
			Pool.ReturnElement(chunk)
		}
	}
	return &readBuffer{payload: NewPayload(MaxSegmentSize).(*Payload)}
}

func (b *readBuffer) release() {
	if b.chunk != nil {
		Pool.ReturnElement(b.chunk)
		b.chunk = nil
	}
}
