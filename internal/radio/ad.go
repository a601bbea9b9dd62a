package radio

import (
	"errors"
	"fmt"
)

// AD types used by the bridge.
const (
	ADTypeFlags            = 0x01
	ADTypeShortName        = 0x08
	ADTypeCompleteName     = 0x09
	ADTypeManufacturerData = 0xFF

	// FlagBREDRNotSupported marks an LE-only broadcaster.
	FlagBREDRNotSupported = 0x04

	// MaxAdvertisingData is the legacy advertising data limit.
	MaxAdvertisingData = 31
)

var ErrMalformedAD = errors.New("malformed advertising data")

// ADStructure is one length-type-value element of advertising data.
type ADStructure struct {
	Type byte
	Data []byte
}

// ParseAD splits advertising data into its structures. A zero length byte
// terminates the data early.
func ParseAD(data []byte) ([]ADStructure, error) {
	var out []ADStructure
	for i := 0; i < len(data); {
		l := int(data[i])
		if l == 0 {
			break
		}
		if i+1+l > len(data) {
			return out, fmt.Errorf("%w: structure at %d overruns %d bytes", ErrMalformedAD, i, len(data))
		}
		out = append(out, ADStructure{Type: data[i+1], Data: data[i+2 : i+1+l]})
		i += 1 + l
	}
	return out, nil
}

// LegacyAdvertisingData prefixes payload with an LE-only flags structure and
// checks it fits a legacy advertisement.
func LegacyAdvertisingData(payload []byte) ([]byte, error) {
	out := make([]byte, 0, MaxAdvertisingData)
	out = append(out, 2, ADTypeFlags, FlagBREDRNotSupported)
	out = append(out, payload...)
	if len(out) > MaxAdvertisingData {
		return nil, fmt.Errorf("advertising data is %d bytes, limit %d", len(out), MaxAdvertisingData)
	}
	return out, nil
}

// ManufacturerData returns the data of the first manufacturer-specific
// structure, company id included.
func ManufacturerData(data []byte) ([]byte, bool) {
	ads, _ := ParseAD(data)
	for _, ad := range ads {
		if ad.Type == ADTypeManufacturerData {
			return ad.Data, true
		}
	}
	return nil, false
}

// LocalName returns the complete or shortened local name, if present.
func LocalName(data []byte) string {
	ads, _ := ParseAD(data)
	var short string
	for _, ad := range ads {
		switch ad.Type {
		case ADTypeCompleteName:
			return string(ad.Data)
		case ADTypeShortName:
			short = string(ad.Data)
		}
	}
	return short
}
