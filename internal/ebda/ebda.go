// Package ebda builds the Extended BIOS Data Area image copied into guest
// memory at bootparam.EBDAStart, carrying a minimal MP Floating Pointer
// Structure and MP configuration table so the guest kernel can enumerate
// its vCPUs without ACPI, per kvmtool's x86/mptable.c.
package ebda

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gokvm/hypervisor/internal/bootparam"
)

const (
	mpFloatSig   = "_MP_"
	mpConfigSig  = "PCMP"
	mpSpecRev    = 4

	mpFloatSize  = 16
	mpCPUEntry   = 0
	mpCPUEntrySz = 20
)

// EBDA is the in-core representation of the Extended BIOS Data Area,
// covering only the MP table this hypervisor needs to advertise vCPU
// count and APIC IDs.
type EBDA struct {
	nCPUs int
}

// New builds an EBDA describing nCPUs identity-mapped local APICs.
func New(nCPUs int) (*EBDA, error) {
	if nCPUs <= 0 || nCPUs > 254 {
		return nil, fmt.Errorf("ebda: invalid cpu count %d", nCPUs)
	}

	return &EBDA{nCPUs: nCPUs}, nil
}

// Bytes lays out the MP Floating Pointer Structure at the start of the
// EBDA, pointing at an MP configuration table with one processor entry
// per vCPU, immediately following it.
func (e *EBDA) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	const (
		floatOff  = 0
		configOff = 0x40 // enough room for the 16-byte float structure
	)

	cfgLen := 44 + e.nCPUs*mpCPUEntrySz

	cfg := make([]byte, cfgLen)
	copy(cfg[0:4], mpConfigSig)
	binary.LittleEndian.PutUint16(cfg[4:6], uint16(cfgLen))
	cfg[6] = mpSpecRev
	copy(cfg[16:32], "GOKVMHV ")  // OEM ID, padded
	copy(cfg[32:44-1], "HYPERV")  // product ID, padded
	binary.LittleEndian.PutUint16(cfg[34:36], uint16(e.nCPUs))

	off := 44
	for i := 0; i < e.nCPUs; i++ {
		cfg[off] = mpCPUEntry
		cfg[off+1] = byte(i) // local APIC ID
		cfg[off+2] = 0x14    // local APIC version
		cfg[off+3] = 1       // CPU flags: enabled

		if i == 0 {
			cfg[off+3] |= 2 // bootstrap processor
		}

		off += mpCPUEntrySz
	}

	setChecksum(cfg, 6)

	float := make([]byte, mpFloatSize)
	copy(float[0:4], mpFloatSig)
	binary.LittleEndian.PutUint32(float[4:8], uint32(bootparam.EBDAStart+configOff))
	float[8] = 1 // length in 16-byte units
	float[9] = mpSpecRev

	buf.Grow(configOff + cfgLen)
	buf.Write(float)
	buf.Write(make([]byte, configOff-len(float)))
	buf.Write(cfg)

	out := buf.Bytes()

	setChecksum(out[floatOff:floatOff+mpFloatSize], 10)

	return out, nil
}

func setChecksum(b []byte, idx int) {
	b[idx] = 0

	var sum byte
	for _, v := range b {
		sum += v
	}

	b[idx] = byte(-int8(sum))
}
