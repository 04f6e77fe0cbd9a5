package manualmap

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"testing"
)

const (
	testSizeOfHeaders = 0x400
	testFileAlignment = 0x200
	testImageBase64   = 0x140000000
)

type testSection struct {
	name  string
	va    uint32
	vsize uint32
	raw   []byte
}

type testPE struct {
	magic            uint16
	characteristics  uint16
	sectionAlignment uint32
	sizeOfImage      uint32
	sections         []testSection
}

// textAndBSS is a .text section with file-backed bytes and a .bss section
// with none.
func textAndBSS() testPE {
	text := make([]byte, 0x1A00)
	for i := range text {
		text[i] = byte(i*7 + 3)
	}
	return testPE{
		magic:            magicPE32Plus,
		characteristics:  dpe.IMAGE_FILE_EXECUTABLE_IMAGE | dpe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
		sectionAlignment: 0x1000,
		sizeOfImage:      0x4000,
		sections: []testSection{
			{name: ".text", va: 0x1000, vsize: 0x2000, raw: text},
			{name: ".bss", va: 0x3000, vsize: 0x1000},
		},
	}
}

func (p testPE) build(t *testing.T) []byte {
	t.Helper()

	var b bytes.Buffer
	w := func(v any) {
		if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}

	// DOS header, e_lfanew at 0x3c
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x80)
	b.Write(dos)
	b.WriteString("PE\x00\x00")

	machine := uint16(dpe.IMAGE_FILE_MACHINE_AMD64)
	optSize := binary.Size(dpe.OptionalHeader64{})
	if p.magic == magicPE32 {
		machine = dpe.IMAGE_FILE_MACHINE_I386
		optSize = binary.Size(dpe.OptionalHeader32{})
	}
	w(dpe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(p.sections)),
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      p.characteristics,
	})

	var dd [16]dpe.DataDirectory
	if p.magic == magicPE32 {
		w(dpe.OptionalHeader32{
			Magic:                 p.magic,
			ImageBase:             0x400000,
			SectionAlignment:      p.sectionAlignment,
			FileAlignment:         testFileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           p.sizeOfImage,
			SizeOfHeaders:         testSizeOfHeaders,
			Subsystem:             dpe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dd,
		})
	} else {
		w(dpe.OptionalHeader64{
			Magic:                 p.magic,
			ImageBase:             testImageBase64,
			SectionAlignment:      p.sectionAlignment,
			FileAlignment:         testFileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           p.sizeOfImage,
			SizeOfHeaders:         testSizeOfHeaders,
			Subsystem:             dpe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dd,
		})
	}

	fileOff := uint32(testSizeOfHeaders)
	for _, s := range p.sections {
		var sh dpe.SectionHeader32
		copy(sh.Name[:], s.name)
		sh.VirtualSize = s.vsize
		sh.VirtualAddress = s.va
		sh.SizeOfRawData = uint32(len(s.raw))
		if len(s.raw) > 0 {
			sh.PointerToRawData = fileOff
			fileOff += alignUp(uint32(len(s.raw)), testFileAlignment)
		}
		sh.Characteristics = 0x60000020
		w(sh)
	}

	if b.Len() > testSizeOfHeaders {
		t.Fatalf("headers take 0x%x bytes, more than 0x%x", b.Len(), testSizeOfHeaders)
	}
	b.Write(make([]byte, testSizeOfHeaders-b.Len()))

	for _, s := range p.sections {
		if len(s.raw) == 0 {
			continue
		}
		b.Write(s.raw)
		b.Write(make([]byte, int(alignUp(uint32(len(s.raw)), testFileAlignment))-len(s.raw)))
	}

	return b.Bytes()
}

type write struct {
	dst uintptr
	n   int
}

// recordingTarget is a BufferTarget that remembers every write and can be
// made to fail allocations or short-write.
type recordingTarget struct {
	BufferTarget

	writes      []write
	allocs      []uintptr
	refuseAddrs map[uintptr]bool
	shortWrite  bool
}

func (r *recordingTarget) Alloc(addr, size uintptr) (uintptr, error) {
	r.allocs = append(r.allocs, addr)
	if r.refuseAddrs[addr] {
		return 0, nil
	}
	return r.BufferTarget.Alloc(addr, size)
}

func (r *recordingTarget) Write(dst uintptr, data []byte) (int, error) {
	r.writes = append(r.writes, write{dst: dst, n: len(data)})
	if r.shortWrite {
		return r.BufferTarget.Write(dst, data[:len(data)/2])
	}
	return r.BufferTarget.Write(dst, data)
}

func (r *recordingTarget) String() string {
	return "recording"
}
