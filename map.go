package ddsnap

import (
	"github.com/ddsnap/client/internal/interfaces"
)

// Map implements the map entry point of spec.md §4.1: the one synchronous
// call the block layer makes per I/O. It never blocks on the network —
// writes and snapshot reads that need a server decision are queued for the
// worker thread and the I/O is left unsubmitted; only an origin-role read
// (which always hits the origin volume directly) is submitted inline.
func (d *Device) Map(bio interfaces.BIO) error {
	if !d.state.Ready() {
		err := NewDeviceError("Map", d.cfg.Snap, KindProtocol, "device not ready")
		bio.Fail(err)
		return err
	}
	if d.state.Finished() {
		err := NewDeviceError("Map", d.cfg.Snap, KindShutdown, "device finished")
		bio.Fail(err)
		return err
	}

	shift := d.state.Chunkshift()
	length := bio.Length()
	if length == 0 || length > (1<<shift)<<9 {
		err := NewDeviceError("Map", d.cfg.Snap, KindProtocol, "i/o length exceeds one chunk")
		bio.Fail(err)
		return err
	}

	chunk := bio.Sector() >> shift

	// Origin role: every read is satisfied locally, since the origin volume
	// always holds the current data outside of a held snapshot lock
	// (spec.md §4.1: "origin reads never query; origin writes always
	// query, to let the server decide whether to relocate the chunk
	// first").
	if !d.isSnapshot && bio.Direction() == interfaces.Read {
		bio.Retarget(interfaces.TargetOrigin, bio.Sector())
		bio.Submit()
		return nil
	}

	if d.pending.Len() >= d.cfg.MaxInFlightQueries {
		err := NewDeviceError("Map", d.cfg.Snap, KindAllocation, "too many in-flight queries")
		bio.Fail(err)
		return err
	}

	d.pending.NewQuery(chunk, bio)
	d.worker.Kick()
	return nil
}
