// Package fastcon implements the BRMesh "FastCon" advertisement codec used by
// cheap Bluetooth LE mesh light bulbs.
//
// A command is a 4 byte header plus up to 12 body bytes. The header is
// obfuscated with a fixed factory key and the body with the mesh key. The
// resulting 16 byte payload is wrapped in a link-layer frame (marker, device
// address, payload, CRC16), whitened with the BLE data whitening LFSR and
// finally carried as manufacturer-specific data in a legacy advertisement.
package fastcon
