package page

import "encoding/binary"

// ReadUint32 and friends give callers a typed, checked-offset way to read
// and write fixed-width fields without pointer casts.

func ReadUint32(p Provider, addr Addr) (uint32, error) {
	var buf [4]byte
	if err := p.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func WriteUint32(p Provider, addr Addr, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return p.WriteAt(addr, buf[:])
}

func ReadUint64(p Provider, addr Addr) (uint64, error) {
	var buf [8]byte
	if err := p.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteUint64(p Provider, addr Addr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return p.WriteAt(addr, buf[:])
}

// ReadAddr and WriteAddr encode an Addr as a fixed 8-byte little-endian
// word regardless of host pointer width, so the on-page layout is portable.
func ReadAddr(p Provider, addr Addr) (Addr, error) {
	v, err := ReadUint64(p, addr)
	return Addr(v), err
}

func WriteAddr(p Provider, addr Addr, v Addr) error {
	return WriteUint64(p, addr, uint64(v))
}

// HandleAt recovers the page handle covering addr by rounding down to page
// alignment and reading the identity word every provider stamps there.
func HandleAt(p Provider, addr Addr) (Handle, error) {
	base := PageBase(addr, p.PageSize())
	id, err := ReadUint64(p, base)
	if err != nil {
		return Handle{}, err
	}
	return Handle{ID: id, Base: base}, nil
}
