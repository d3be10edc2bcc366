package inlinewat

// Memory represents guest linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of guest linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator allocates memory in guest linear memory.
// Allocations follow stack discipline: Mark returns the current watermark
// and Release frees everything allocated since the matching Mark.
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr, size uint32)
	Mark() (uint32, error)
	Release(mark uint32) error
}
