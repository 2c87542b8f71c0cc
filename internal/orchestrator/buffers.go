package orchestrator

import "tegraupdate/internal/plan"

// Buffers are the three heap regions of : content (the payload
// read from the BUP for the entry being processed), slot (the target's
// current on-disk contents, for comparison), and zero (pre-zeroed,
// consumed by every pre-erase write). Allocated once the plan is built and
// sized, released implicitly when the orchestrator returns.
type Buffers struct {
	Content []byte
	Slot    []byte
	Zero    []byte
}

// NewBuffers sizes Content to the plan's largest payload length and Slot/
// Zero to the plan's largest target size; plan.Build has already rounded
// the target size up to 512 and leaves the payload length as it is.
func NewBuffers(p *plan.Plan) *Buffers {
	return &Buffers{
		Content: make([]byte, p.ContentBufferSize),
		Slot:    make([]byte, p.SlotBufferSize),
		Zero:    make([]byte, p.SlotBufferSize),
	}
}
