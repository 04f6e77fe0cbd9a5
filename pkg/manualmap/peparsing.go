package manualmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/bits"

	"github.com/saferwall/pe"
	"golang.org/x/exp/constraints"
)

const (
	magicPE32     = 0x10b
	magicPE32Plus = 0x20b
)

// Section describes one entry of the section table.
type Section struct {
	Name             [8]byte
	VirtualAddress   uint32
	VirtualSize      uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
}

// NameString returns the section name without its NUL padding.
func (s *Section) NameString() string {
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}
	return string(s.Name[:])
}

// Image is the read-only view of a parsed PE32+ file that the mapper works
// from.
type Image struct {
	ImageBase        uint64
	SizeOfImage      uint32
	SectionAlignment uint32
	SizeOfHeaders    uint32
	Sections         []Section

	// Headers holds the first SizeOfHeaders bytes of the file, or fewer if
	// the file is shorter than that.
	Headers []byte

	// VirtualSize is the size of the region the image is mapped into.
	VirtualSize uint64

	raw []byte
}

// ReadSection returns the SizeOfRawData bytes at PointerToRawData in the file.
// A range that runs past the end of the file, as in a truncated dump, is
// ErrParse.
func (img *Image) ReadSection(s *Section) ([]byte, error) {
	start := uint64(s.PointerToRawData)
	end := start + uint64(s.SizeOfRawData)
	if end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("%w: section %q raw data 0x%x-0x%x is past the end of the file (0x%x bytes)",
			ErrParse, s.NameString(), start, end, len(img.raw))
	}
	return img.raw[start:end], nil
}

// NewImage parses src and derives the image layout. Progress is reported to
// logger.
func NewImage(src *Source, logger *log.Logger) (*Image, error) {
	if logger == nil {
		logger = log.Default()
	}
	raw := src.Bytes()

	f, err := pe.NewBytes(raw, &pe.Options{Fast: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := f.Parse(); err != nil {
		if errors.Is(err, pe.ErrImageNtOptionalHeaderMagicNotFound) {
			if magic, ok := optionalHeaderMagic(raw, f.DosHeader.AddressOfNewEXEHeader); ok {
				return nil, unsupportedMagic(magic)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	logger.Printf("[+] Parsed %s", src.Name)
	logFileHeader(logger, f)

	characteristics := uint16(f.NtHeader.FileHeader.Characteristics)
	isDLL := characteristics&uint16(pe.ImageFileDLL) != 0
	isEXE := characteristics&uint16(pe.ImageFileExecutableImage) != 0
	if !isDLL && !isEXE {
		return nil, fmt.Errorf("%w: file is neither an executable nor a library (characteristics 0x%04x)", ErrUnsupportedFormat, characteristics)
	}

	img := &Image{raw: raw}

	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader64:
		err = img.setOptionalHeader64(&oh)
	case *pe.ImageOptionalHeader64:
		err = img.setOptionalHeader64(oh)
	case pe.ImageOptionalHeader32:
		err = unsupportedMagic(uint16(oh.Magic))
	case *pe.ImageOptionalHeader32:
		err = unsupportedMagic(uint16(oh.Magic))
	default:
		err = fmt.Errorf("%w: missing optional header", ErrParse)
	}
	if err != nil {
		return nil, err
	}
	logOptionalHeader(logger, f)

	img.Sections = make([]Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		img.Sections = append(img.Sections, Section{
			Name:             s.Header.Name,
			VirtualAddress:   s.Header.VirtualAddress,
			VirtualSize:      s.Header.VirtualSize,
			SizeOfRawData:    s.Header.SizeOfRawData,
			PointerToRawData: s.Header.PointerToRawData,
		})
	}

	img.Headers = raw[:min(uint64(img.SizeOfHeaders), uint64(len(raw)))]

	if err := img.computeLayout(logger); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) setOptionalHeader64(oh *pe.ImageOptionalHeader64) error {
	if uint16(oh.Magic) != magicPE32Plus {
		return unsupportedMagic(uint16(oh.Magic))
	}
	img.ImageBase = oh.ImageBase
	img.SizeOfImage = oh.SizeOfImage
	img.SectionAlignment = oh.SectionAlignment
	img.SizeOfHeaders = oh.SizeOfHeaders
	return nil
}

// optionalHeaderMagic reads the optional header magic straight from the file,
// for images the parser refused before decoding the optional header.
func optionalHeaderMagic(raw []byte, ntOffset uint32) (uint16, bool) {
	// PE signature, then the 20-byte file header.
	off := uint64(ntOffset) + 4 + 20
	if off+2 > uint64(len(raw)) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(raw[off:]), true
}

func unsupportedMagic(magic uint16) error {
	if magic == magicPE32 {
		return fmt.Errorf("%w: 32-bit (PE32) images are not supported, magic 0x%x", ErrUnsupportedFormat, magic)
	}
	return fmt.Errorf("%w: file is not a 64-bit image, magic 0x%x", ErrUnsupportedFormat, magic)
}

func logFileHeader(logger *log.Logger, f *pe.File) {
	fh := f.NtHeader.FileHeader
	logger.Printf("[+] FILE_HEADER")
	logger.Printf("[+]  Machine: 0x%x (%s)", fh.Machine, f.PrettyMachineType())
	logger.Printf("[+]  NumberOfSections: %d", fh.NumberOfSections)
	logger.Printf("[+]  TimeDateStamp: 0x%x", fh.TimeDateStamp)
	logger.Printf("[+]  SizeOfOptionalHeader: 0x%x", fh.SizeOfOptionalHeader)
	logger.Printf("[+]  Characteristics: 0x%x %v", fh.Characteristics, f.PrettyImageFileCharacteristics())
}

func logOptionalHeader(logger *log.Logger, f *pe.File) {
	var oh pe.ImageOptionalHeader64
	switch v := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader64:
		oh = v
	case *pe.ImageOptionalHeader64:
		oh = *v
	default:
		return
	}
	logger.Printf("[+] OPTIONAL_HEADER")
	logger.Printf("[+]  Magic: 0x%x", oh.Magic)
	logger.Printf("[+]  AddressOfEntryPoint: 0x%x", oh.AddressOfEntryPoint)
	logger.Printf("[+]  ImageBase: 0x%x", oh.ImageBase)
	logger.Printf("[+]  SectionAlignment: 0x%x", oh.SectionAlignment)
	logger.Printf("[+]  FileAlignment: 0x%x", oh.FileAlignment)
	logger.Printf("[+]  SizeOfImage: 0x%x", oh.SizeOfImage)
	logger.Printf("[+]  SizeOfHeaders: 0x%x", oh.SizeOfHeaders)
	logger.Printf("[+]  Subsystem: 0x%x", oh.Subsystem)
	logger.Printf("[+]  DllCharacteristics: 0x%x", oh.DllCharacteristics)
	logger.Printf("[+]  NumberOfRvaAndSizes: %d", oh.NumberOfRvaAndSizes)
}

// computeLayout fills in VirtualSize and checks every section fits inside it.
func (img *Image) computeLayout(logger *log.Logger) error {
	if img.SectionAlignment == 0 || bits.OnesCount32(img.SectionAlignment) != 1 {
		return fmt.Errorf("%w: section alignment 0x%x is not a power of two", ErrParse, img.SectionAlignment)
	}

	total, aligned, final := virtualSize(img.SizeOfHeaders, img.Sections, img.SectionAlignment, img.SizeOfImage)
	logger.Printf("[+] Total virtual size: 0x%x", total)
	logger.Printf("[+] Aligned virtual size: 0x%x", aligned)
	if final != aligned {
		logger.Printf("[+] Fixed total virtual size to: 0x%x", final)
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		if end := uint64(s.VirtualAddress) + uint64(s.VirtualSize); end > final {
			return fmt.Errorf("%w: section %q ends at 0x%x, past the image size 0x%x", ErrParse, s.NameString(), end, final)
		}
	}

	img.VirtualSize = final
	return nil
}

// virtualSize sums the headers and section virtual sizes, rounds the total up
// to the section alignment and lets the declared SizeOfImage win when it is
// larger.
func virtualSize(sizeOfHeaders uint32, sections []Section, alignment, sizeOfImage uint32) (total, aligned, final uint64) {
	total = uint64(sizeOfHeaders)
	for i := range sections {
		total += uint64(sections[i].VirtualSize)
	}

	aligned = alignUp(total, uint64(alignment))

	final = aligned
	if declared := alignUp(uint64(sizeOfImage), uint64(alignment)); declared > final {
		final = declared
	}
	return total, aligned, final
}

// alignUp rounds v up to the next multiple of powerOfTwo.
func alignUp[V constraints.Unsigned](v, powerOfTwo V) V {
	return (v + powerOfTwo - 1) &^ (powerOfTwo - 1)
}
