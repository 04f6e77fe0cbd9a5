package manualmap

import (
	"errors"
	"fmt"
	"log"
)

// Config controls a mapping run.
type Config struct {
	// PID selects the target process. 0 maps into the calling process.
	PID int
	// Password, when set, marks the input as a sealed image.
	Password string
	// BlankHeaders leaves the first SizeOfHeaders bytes of the region zeroed
	// instead of copying the PE headers there.
	BlankHeaders bool
	// StrictBase fails the allocation when the preferred image base is
	// unavailable instead of letting the target pick an address.
	StrictBase bool
	// DryRun maps into a heap buffer instead of a process.
	DryRun bool

	Logger *log.Logger
}

// Region is the memory block an image was mapped into.
type Region struct {
	Base      uintptr
	Size      uintptr
	Preferred uint64
	Target    string
	Sections  []MappedSection
}

// MappedSection records where a section's raw bytes were written.
type MappedSection struct {
	Name    string
	Address uintptr
	Size    int
}

// Mapper maps PE images into a memory target.
type Mapper struct {
	cfg Config
	log *log.Logger

	openTarget func(pid int) (MemoryTarget, error)
}

func New(cfg Config) *Mapper {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Mapper{cfg: cfg, log: logger, openTarget: openTarget}
}

// MapFile maps the PE file at path into the configured target.
func (m *Mapper) MapFile(path string) (*Region, error) {
	if err := checkRegularFile(path); err != nil {
		return nil, err
	}
	m.log.Printf("[+] File %s exists", path)

	target, err := m.target()
	if err != nil {
		return nil, err
	}
	defer target.Close()

	var src *Source
	if m.cfg.Password != "" {
		src, err = OpenSealed(path, m.cfg.Password)
	} else {
		src, err = OpenFile(path)
	}
	if err != nil {
		return nil, err
	}
	defer src.Close()

	return m.mapSource(target, src)
}

// MapBytes maps an image that is already in memory.
func (m *Mapper) MapBytes(name string, data []byte) (*Region, error) {
	target, err := m.target()
	if err != nil {
		return nil, err
	}
	defer target.Close()

	if m.cfg.Password != "" {
		data, err = Unseal(data, m.cfg.Password)
		if err != nil {
			return nil, err
		}
	}
	return m.mapSource(target, NewSource(name, data))
}

func (m *Mapper) target() (MemoryTarget, error) {
	if m.cfg.DryRun {
		if m.cfg.PID != 0 {
			m.log.Printf("[+] Dry run, ignoring pid %d", m.cfg.PID)
		}
		return NewBufferTarget(), nil
	}

	if m.cfg.PID < 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", ErrInvalidInput, m.cfg.PID)
	}

	t, err := m.openTarget(m.cfg.PID)
	if err != nil {
		return nil, err
	}
	if m.cfg.PID != 0 {
		m.log.Printf("[+] Opened %s", t)
	}
	return t, nil
}

func (m *Mapper) mapSource(target MemoryTarget, src *Source) (*Region, error) {
	m.log.Printf("[+] Parsing file")
	img, err := NewImage(src, m.log)
	if err != nil {
		return nil, err
	}

	base, err := m.Allocate(target, img.ImageBase, img.VirtualSize)
	if err != nil {
		return nil, err
	}

	region := &Region{
		Base:      base,
		Size:      uintptr(img.VirtualSize),
		Preferred: img.ImageBase,
		Target:    target.String(),
	}
	if err := m.Materialize(target, img, region); err != nil {
		return nil, err
	}
	return region, nil
}

// Allocate reserves and commits size bytes in target, preferring the image's
// base address. Unless StrictBase is set, a failure at the preferred base is
// retried once at an address of the target's choosing.
func (m *Mapper) Allocate(target MemoryTarget, preferred, size uint64) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized image", ErrAllocation)
	}

	addr, err := target.Alloc(uintptr(preferred), uintptr(size))
	if addr == 0 && preferred != 0 && !m.cfg.StrictBase {
		m.log.Printf("[+] Preferred base 0x%x unavailable (%v), letting %s choose", preferred, err, target)
		addr, err = target.Alloc(0, uintptr(size))
	}
	if addr == 0 {
		if err == nil {
			err = errors.New("allocator returned a null address")
		}
		return 0, fmt.Errorf("%w: 0x%x bytes in %s: %v", ErrAllocation, size, target, err)
	}

	m.log.Printf("[+] Allocated memory at: 0x%x", addr)
	return addr, nil
}

// Materialize writes the headers and each section's raw bytes into region.
// Sections without raw data are skipped; the allocation is already zero
// filled.
func (m *Mapper) Materialize(target MemoryTarget, img *Image, region *Region) error {
	if m.cfg.BlankHeaders {
		m.log.Printf("[+] Leaving headers blank")
	} else if len(img.Headers) > 0 {
		m.log.Printf("[+] Writing headers to: 0x%x", region.Base)
		if err := writeAll(target, region.Base, clamp(img.Headers, 0, region.Size)); err != nil {
			return fmt.Errorf("headers: %w", err)
		}
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		name := s.NameString()
		dest := region.Base + uintptr(s.VirtualAddress)

		m.log.Printf("[+] Writing section: %s", name)
		m.log.Printf("[+]  Section virtual address: 0x%x", s.VirtualAddress)
		m.log.Printf("[+]  Section virtual size: 0x%x", s.VirtualSize)
		m.log.Printf("[+]  Section raw size: 0x%x", s.SizeOfRawData)
		m.log.Printf("[+]  Buffer address: 0x%x", dest)

		if s.SizeOfRawData == 0 {
			continue
		}

		data, err := img.ReadSection(s)
		if err != nil {
			return err
		}

		if clamped := clamp(data, uintptr(s.VirtualAddress), region.Size); len(clamped) != len(data) {
			m.log.Printf("[+]  Raw data runs past the region, writing 0x%x of 0x%x bytes", len(clamped), len(data))
			data = clamped
		}

		m.log.Printf("[+]  Writing section %s to: 0x%x to 0x%x", name, dest, dest+uintptr(len(data)))
		if err := writeAll(target, dest, data); err != nil {
			return fmt.Errorf("section %q: %w", name, err)
		}
		region.Sections = append(region.Sections, MappedSection{Name: name, Address: dest, Size: len(data)})
	}

	return nil
}

// clamp cuts data so that it fits between offset and size.
func clamp(data []byte, offset, size uintptr) []byte {
	if offset >= size {
		return nil
	}
	if room := size - offset; uintptr(len(data)) > room {
		return data[:room]
	}
	return data
}

func writeAll(target MemoryTarget, dst uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := target.Write(dst, data)
	if err != nil {
		return fmt.Errorf("%w: 0x%x bytes at 0x%x in %s: %v", ErrWrite, len(data), dst, target, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: wrote 0x%x of 0x%x bytes at 0x%x in %s", ErrWrite, n, len(data), dst, target)
	}
	return nil
}
