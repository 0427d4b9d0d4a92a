package budget

import (
	"sync"
	"testing"

	"github.com/loomrun/loom/internal/models"
)

func TestProfile_ResolvesPreset(t *testing.T) {
	p := NewProfile("frugal")
	if p.Snapshot() != models.TokenProfileFrugal {
		t.Errorf("Snapshot = %+v, want frugal preset", p.Snapshot())
	}
	if p.Name() != "frugal" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestProfile_SetSwapsAtomically(t *testing.T) {
	p := NewProfile("standard")
	p.Set("generous")
	if p.Snapshot() != models.TokenProfileGenerous {
		t.Errorf("Snapshot after Set = %+v", p.Snapshot())
	}
}

// A snapshot is a value: later Set calls must not change it.
func TestProfile_SnapshotIsStable(t *testing.T) {
	p := NewProfile("standard")
	snap := p.Snapshot()
	p.Set("frugal")
	if snap != models.TokenProfileStandard {
		t.Errorf("earlier snapshot mutated: %+v", snap)
	}
}

// Every observed snapshot must be exactly one preset, never a mix of
// two, no matter how Set calls interleave.
func TestProfile_NoTornReads(t *testing.T) {
	p := NewProfile("frugal")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				p.Set("generous")
			} else {
				p.Set("frugal")
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := p.Snapshot()
				if snap != models.TokenProfileFrugal && snap != models.TokenProfileGenerous {
					t.Errorf("torn snapshot: %+v", snap)
					return
				}
			}
		}()
	}
	wg.Wait()
	<-done
}
