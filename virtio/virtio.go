// Package virtio constructs the virtio devices the Boot Assembler attaches
// to the MMIO bus: block, net, and vsock. Queue/descriptor-ring processing
// is out of scope here (the bus's job stops at construction and
// registration); each device exposes just enough register surface —
// config space and an interrupt eventfd — for the mmio package to wire it
// up and for the Action Controller to rescan/patch it live.
package virtio

// Device type IDs, per the virtio spec.
const (
	TypeNet   uint32 = 1
	TypeBlock uint32 = 2
	TypeVsock uint32 = 19
)
