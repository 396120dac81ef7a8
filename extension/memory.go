package extension

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/exthost"
	"github.com/wippyai/exthost/errors"
)

// guestMemory wraps an instance's linear memory.
type guestMemory struct {
	mem api.Memory
}

func (m *guestMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (m *guestMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *guestMemory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (m *guestMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return fmt.Errorf("write out of bounds: offset=%d", offset)
	}
	return nil
}

func (m *guestMemory) Size() uint32 {
	return m.mem.Size()
}

// guestAllocator calls the extension's exthost_alloc and exthost_free exports.
type guestAllocator struct {
	ctx   context.Context
	alloc api.Function
	free  api.Function
}

func (a *guestAllocator) Alloc(size uint32) (uint32, error) {
	if a.alloc == nil {
		return 0, errors.New(errors.PhaseDispatch, errors.KindUnsupported).
			Detail("extension does not export %s", exportAlloc).
			Build()
	}
	res, err := a.alloc.Call(a.ctx, api.EncodeU32(size))
	if err != nil {
		return 0, errors.Trap(exportAlloc, err)
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 && size > 0 {
		return 0, errors.New(errors.PhaseDispatch, errors.KindTrap).
			Function(exportAlloc).
			Detail("allocation of %d bytes failed", size).
			Build()
	}
	return ptr, nil
}

func (a *guestAllocator) Free(ptr, size uint32) {
	if a.free == nil || ptr == 0 {
		return
	}
	_, _ = a.free.Call(a.ctx, api.EncodeU32(ptr), api.EncodeU32(size))
}

var (
	_ exthost.Memory    = (*guestMemory)(nil)
	_ exthost.Allocator = (*guestAllocator)(nil)
)
