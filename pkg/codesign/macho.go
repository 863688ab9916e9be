package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// Mach-O and code signature constants from Apple's loader.h and cs_blobs.h
const (
	magic32  = 0xfeedface
	magic64  = 0xfeedfacf
	fatMagic = 0xcafebabe

	lcCodeSignature = 0x1d

	csMagicCodeDirectory       = 0xfade0c02
	csMagicEmbeddedSignature   = 0xfade0cc0
	csMagicEmbeddedEntitlement = 0xfade7171

	csSlotCodeDirectory = 0
	csSlotEntitlements  = 5
	csSlotDEREnts       = 7
	csSlotAlternateCD   = 0x1000
	csSlotCMSSignature  = 0x10000

	csHashTypeSHA1   = 1
	csHashTypeSHA256 = 2

	// cpusubtype bits above the subtype proper carry capability flags
	cpuSubtypeMask = 0x00ffffff
	// CPU_SUBTYPE_PTRAUTH_ABI, set on arm64e slices built against the
	// stable pointer authentication ABI
	cpuSubtypePtrauthABI = 0x80000000

	defaultSliceAlign = 14 // 16KB
	maxSliceAlign     = 15 // 32KB
)

// Arch is one architecture slice of a Mach-O file
type Arch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint32
	Size   uint32
	Align  uint32 // power of two
}

// IsArm64e reports whether the slice is arm64e
func (a Arch) IsArm64e() bool {
	return a.CPU == types.CPUArm64 && a.SubCPU&cpuSubtypeMask == types.CPUSubtypeArm64E
}

// IsArm64 reports whether the slice is plain arm64
func (a Arch) IsArm64() bool {
	return a.CPU == types.CPUArm64 && !a.IsArm64e()
}

func (a Arch) String() string {
	if a.CPU == types.CPUArm64 {
		if a.IsArm64e() {
			return "arm64e"
		}
		return "arm64"
	}
	return a.CPU.String()
}

// IsMachO checks the magic of the file at path
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	switch binary.LittleEndian.Uint32(magic[:]) {
	case magic32, magic64:
		return true
	}
	return binary.BigEndian.Uint32(magic[:]) == fatMagic
}

func isFat(data []byte) bool {
	return len(data) >= 8 && binary.BigEndian.Uint32(data[:4]) == fatMagic
}

// Architectures lists the slices of the Mach-O at path. A thin file has a
// single slice covering the whole file.
func Architectures(path string) ([]Arch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	return architectures(data)
}

func architectures(data []byte) ([]Arch, error) {
	if isFat(data) {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse fat binary: %w", err)
		}
		defer fat.Close()

		arches := make([]Arch, 0, len(fat.Arches))
		for _, a := range fat.Arches {
			if a.Align > maxSliceAlign {
				return nil, fmt.Errorf("%s slice alignment 2^%d is out of range", a.CPU, a.Align)
			}
			arches = append(arches, Arch{
				CPU:    a.CPU,
				SubCPU: a.SubCPU,
				Offset: a.Offset,
				Size:   a.Size,
				Align:  a.Align,
			})
		}
		return arches, nil
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	return []Arch{{
		CPU:    m.CPU,
		SubCPU: m.SubCPU,
		Size:   uint32(len(data)),
		Align:  defaultSliceAlign,
	}}, nil
}

// HasArm64e reports whether the binary at path already carries an arm64e slice
func HasArm64e(path string) (bool, error) {
	arches, err := Architectures(path)
	if err != nil {
		return false, err
	}
	for _, a := range arches {
		if a.IsArm64e() {
			return true, nil
		}
	}
	return false, nil
}

// AddArm64eSlice appends a copy of the arm64 slice relabelled as arm64e,
// turning the binary into a fat file if it was thin. It returns false
// without touching the file when an arm64e slice is already present.
func AddArm64eSlice(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat binary: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read binary: %w", err)
	}

	out, added, err := addArm64eSlice(data)
	if err != nil || !added {
		return false, err
	}
	if err := os.WriteFile(path, out, fi.Mode().Perm()); err != nil {
		return false, fmt.Errorf("failed to write binary: %w", err)
	}
	return true, nil
}

func addArm64eSlice(data []byte) ([]byte, bool, error) {
	arches, err := architectures(data)
	if err != nil {
		return nil, false, err
	}

	slices := make([]fatSlice, 0, len(arches)+1)
	arm64 := -1
	for _, a := range arches {
		if a.IsArm64e() {
			return data, false, nil
		}
		if uint64(a.Offset)+uint64(a.Size) > uint64(len(data)) {
			return nil, false, fmt.Errorf("%s slice extends beyond end of file", a)
		}
		slices = append(slices, fatSlice{
			cpu:    uint32(a.CPU),
			subcpu: uint32(a.SubCPU),
			align:  a.Align,
			data:   data[a.Offset : a.Offset+a.Size],
		})
		if a.IsArm64() && arm64 < 0 {
			arm64 = len(slices) - 1
		}
	}
	if arm64 < 0 {
		return nil, false, fmt.Errorf("no arm64 slice to derive arm64e from")
	}

	e := make([]byte, len(slices[arm64].data))
	copy(e, slices[arm64].data)
	subcpu := uint32(types.CPUSubtypeArm64E) | cpuSubtypePtrauthABI
	// mach_header.cpusubtype, little endian on arm
	binary.LittleEndian.PutUint32(e[8:12], subcpu)

	slices = append(slices, fatSlice{
		cpu:    uint32(types.CPUArm64),
		subcpu: subcpu,
		align:  defaultSliceAlign,
		data:   e,
	})
	return buildFat(slices), true, nil
}

type fatSlice struct {
	cpu    uint32
	subcpu uint32
	align  uint32
	data   []byte
}

// buildFat lays out a fat binary: header, fat_arch table, then every slice
// at an offset aligned to 1<<align
func buildFat(slices []fatSlice) []byte {
	offsets := make([]uint32, len(slices))
	end := uint32(8 + 20*len(slices))
	for i, s := range slices {
		alignment := uint32(1) << s.align
		if end%alignment != 0 {
			end = (end/alignment + 1) * alignment
		}
		offsets[i] = end
		end += uint32(len(s.data))
	}

	out := make([]byte, end)
	binary.BigEndian.PutUint32(out[0:], fatMagic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		hdr := out[8+20*i:]
		binary.BigEndian.PutUint32(hdr[0:], s.cpu)
		binary.BigEndian.PutUint32(hdr[4:], s.subcpu)
		binary.BigEndian.PutUint32(hdr[8:], offsets[i])
		binary.BigEndian.PutUint32(hdr[12:], uint32(len(s.data)))
		binary.BigEndian.PutUint32(hdr[16:], s.align)
		copy(out[offsets[i]:], s.data)
	}
	return out
}
