package mempool

import "ltfs-xfer/errcode"

// Failure marks a block whose content could not be produced. The consumer of
// the block reports the file as failed with this message and code.
type Failure struct {
	Message string
	Code    errcode.Code
}

// Block is a fixed-capacity memory block owned by exactly one party at a
// time: the pool, a task queue, or the worker filling or draining it.
type Block struct {
	id      int
	payload []byte
	used    int
	failure *Failure

	// only touched by the pool manager goroutine
	inPool bool

	FileID string
	Seq    int
}

func newBlock(id, size int) *Block {
	return &Block{id: id, payload: make([]byte, size), inPool: true}
}

func (b *Block) ID() int       { return b.id }
func (b *Block) Capacity() int { return len(b.payload) }
func (b *Block) Used() int     { return b.used }

// Buffer exposes the whole block for filling. Call SetUsed afterwards.
func (b *Block) Buffer() []byte { return b.payload }

// SetUsed records how many bytes of the buffer hold data.
func (b *Block) SetUsed(n int) {
	if n < 0 || n > len(b.payload) {
		panic("mempool: used length out of range")
	}
	b.used = n
}

// Bytes returns the filled part of the block.
func (b *Block) Bytes() []byte { return b.payload[:b.used] }

func (b *Block) MarkFailed(message string, code errcode.Code) {
	b.failure = &Failure{Message: message, Code: code}
}

func (b *Block) Failed() (Failure, bool) {
	if b.failure == nil {
		return Failure{}, false
	}
	return *b.failure, true
}

func (b *Block) reset() {
	b.used = 0
	b.failure = nil
	b.FileID = ""
	b.Seq = 0
}
