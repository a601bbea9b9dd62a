package fastcon

import "encoding/binary"

const (
	// CompanyID is the manufacturer id the frame is advertised under.
	CompanyID uint16 = 0xFFF0

	adTypeManufacturerData = 0xFF

	// AdvertisementSize is the size of the manufacturer AD structure built by
	// Pack: length, type, company id and the frame.
	AdvertisementSize = 4 + FrameSize
)

// Advertisement is a complete manufacturer-specific AD structure.
type Advertisement [AdvertisementSize]byte

// Pack wraps a frame in a manufacturer-specific AD structure.
func Pack(frame [FrameSize]byte) Advertisement {
	var a Advertisement
	a[0] = byte(AdvertisementSize - 1)
	a[1] = adTypeManufacturerData
	binary.LittleEndian.PutUint16(a[2:4], CompanyID)
	copy(a[4:], frame[:])
	return a
}

// Frame returns the frame carried by the advertisement.
func (a Advertisement) Frame() [FrameSize]byte {
	var f [FrameSize]byte
	copy(f[:], a[4:])
	return f
}
