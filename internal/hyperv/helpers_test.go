package hyperv

import (
	"testing"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hv/exec"
	"github.com/tinyvmm/hyperv/internal/hv/loopback"
	"github.com/tinyvmm/hyperv/internal/hv/mem"
)

const testRAMPages = 64

// newTestPartition builds a partition over emulated memory and the loopback
// router, with RAM starting at guest address zero.
func newTestPartition(t *testing.T, vpCount int) (*Partition, *mem.AddressSpace, *loopback.Router) {
	t.Helper()

	a := mem.NewAddressSpace(0, testRAMPages*4096)
	router := loopback.New()
	pool := exec.NewPool(hv.NopAccelerator{})
	t.Cleanup(func() { pool.Close() })

	p, err := New(a, router, pool, vpCount)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, a, router
}

// enableSynIC turns on vp 0's controller with the message page at msgGPA and
// the event page at eventGPA, run on the owning context like a guest MSR
// write would be.
func enableSynIC(t *testing.T, p *Partition, msgGPA, eventGPA uint64) *SynIC {
	t.Helper()
	s := p.SynIC(0)
	var err error
	s.ctx.RunSync(func() {
		err = s.Update(true, msgGPA, eventGPA)
	})
	if err != nil {
		t.Fatalf("synic update failed: %v", err)
	}
	return s
}
