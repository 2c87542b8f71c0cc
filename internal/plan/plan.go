// Package plan implements the partition resolver, plan builder, and the
// two ordering policies, grounded directly on original_source's
// per-entry classification loop in main() and its order_entries/
// order_entries_t210.
package plan

import (
	"fmt"
	"os"
	"path/filepath"

	"tegraupdate/internal/bup"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/soc"
)

// Target is the resolved destination of a plan entry: exactly one of
// Partition (an in-boot-device GPT descriptor) or DevicePath (an
// externally named block device) is set, "Update
// entry" invariant.
type Target struct {
	Partition  *gpt.Entry
	DevicePath string
}

// IsExternal reports whether this target is an external device node
// rather than a GPT partition.
func (t Target) IsExternal() bool { return t.Partition == nil }

// SizeBytes returns the target's addressable size.
func (t Target) SizeBytes() (uint64, error) {
	if t.Partition != nil {
		return t.Partition.SizeBytes(), nil
	}
	fi, err := os.Stat(t.DevicePath)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// Entry is the plan's unit of work.
type Entry struct {
	Name      string
	Target    Target
	BUPOffset int64
	Length    uint64
}

// Plan is the two ordered sequences describes: Redundant
// (always executed) and NonRedundant (executed only when
// initializing; merged into Redundant and cleared on T210 by Build).
type Plan struct {
	Redundant    []*Entry
	NonRedundant []*Entry

	// MB1Other is the post-step hook of : the "other" mb1
	// copy saved during plan building when a BCT update couples to it
	// in update mode. Nil when no coupling applies.
	MB1Other *Entry

	ContentBufferSize uint64
	SlotBufferSize    uint64
}

// ExternalResolver answers whether a BUP entry name maps to an
// externally addressed device node, and its size. Abstracted
// behind an interface so plan building is testable without a real
// by-partlabel namespace.
type ExternalResolver interface {
	Resolve(name string) (path string, ok bool)
	Size(path string) (uint64, error)
}

type byPartlabelResolver struct{}

func (byPartlabelResolver) Resolve(name string) (string, bool) {
	path := filepath.Join("/dev/disk/by-partlabel", name)
	if _, err := os.Stat(path); err != nil {
		return path, false
	}
	return path, true
}

func (byPartlabelResolver) Size(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// DefaultExternalResolver resolves against the real
// /dev/disk/by-partlabel namespace.
var DefaultExternalResolver ExternalResolver = byPartlabelResolver{}

// BuildOptions parameterizes Build.
type BuildOptions struct {
	Family soc.Family
	Medium soc.Medium
	// Initialize is true for a full write of all partitions; always
	// true for T210.
	Initialize bool
	// SlotSuffix is the already-resolved target slot in update mode:
	// "" selects slot A, "_b" selects slot B. Ignored when Initialize
	// is true.
	SlotSuffix string
	// IsOptional answers whether a missing external partition is
	// tolerable.
	IsOptional func(name string) bool
}

// Build walks the BUP's entry stream and classifies each entry into
// Plan.Redundant / Plan.NonRedundant , resolving
// in-boot-device targets via gptCtx and external targets via resolver.
func Build(bupCtx *bup.Context, gptCtx *gpt.Context, resolver ExternalResolver, opts BuildOptions) (*Plan, error) {
	if missing := bupCtx.FindMissing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing entries for partition%s: %s\n       for TNSPEC %s",
			plural(len(missing)), bup.RequiredEntryJoin(missing), bupCtx.TNSpec())
	}

	p := &Plan{}
	spi := opts.Medium.Kind == soc.SPI

	for _, e := range bupCtx.Entries() {
		if uint64(e.Length) > p.ContentBufferSize {
			p.ContentBufferSize = e.Length
		}

		otherName := soc.NameOfOtherCopy(opts.Family, spi, e.Name)
		part := gptCtx.FindByName(e.Name)
		if part != nil {
			partB := gptCtx.FindByName(otherName)
			if err := p.classifyInBootDevice(e, opts, part, partB, otherName); err != nil {
				return nil, err
			}
			continue
		}

		path, ok := resolver.Resolve(e.Name)
		if !ok {
			if opts.IsOptional != nil && opts.IsOptional(e.Name) {
				continue
			}
			return nil, fmt.Errorf("cannot locate partition: %s", e.Name)
		}
		pathB, redundant := resolver.Resolve(otherName)
		if !redundant {
			pathB = ""
		}
		p.classifyExternal(e, opts, path, pathB)
	}

	if opts.Family == soc.T210 {
		p.Redundant = append(p.Redundant, p.NonRedundant...)
		p.NonRedundant = nil
	}

	if err := p.computeSlotBufferSize(); err != nil {
		return nil, err
	}
	return p, nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func (p *Plan) classifyInBootDevice(e *bup.Entry, opts BuildOptions, part, partB *gpt.Entry, otherName string) error {
	base := &Entry{Name: e.Name, Target: Target{Partition: part}, BUPOffset: e.Offset(), Length: e.Length}

	if opts.Initialize {
		if partB != nil || e.Name == "BCT" {
			p.Redundant = append(p.Redundant, base)
			if partB != nil {
				p.Redundant = append(p.Redundant, &Entry{Name: otherName, Target: Target{Partition: partB}, BUPOffset: e.Offset(), Length: e.Length})
			}
		} else {
			p.NonRedundant = append(p.NonRedundant, base)
		}
		return nil
	}

	if partB == nil && e.Name != "BCT" {
		// Non-redundant entry in update mode: skipped entirely.
		return nil
	}

	useOther := partB != nil && opts.SlotSuffix != ""
	targetName, targetPart := e.Name, part
	if useOther {
		targetName, targetPart = otherName, partB
	}
	p.Redundant = append(p.Redundant, &Entry{Name: targetName, Target: Target{Partition: targetPart}, BUPOffset: e.Offset(), Length: e.Length})

	if e.Name == "mb1" {
		// Save the coupled "other" mb1 copy, written after the main
		// pass if the BCT update sets bct_updated.
		if useOther {
			if part != nil {
				p.MB1Other = &Entry{Name: e.Name, Target: Target{Partition: part}, BUPOffset: e.Offset(), Length: e.Length}
			}
		} else if partB != nil {
			p.MB1Other = &Entry{Name: otherName, Target: Target{Partition: partB}, BUPOffset: e.Offset(), Length: e.Length}
		}
	}
	return nil
}

func (p *Plan) classifyExternal(e *bup.Entry, opts BuildOptions, path, pathB string) {
	redundant := pathB != ""
	if opts.Initialize {
		if redundant {
			p.Redundant = append(p.Redundant,
				&Entry{Name: e.Name, Target: Target{DevicePath: path}, BUPOffset: e.Offset(), Length: e.Length},
				&Entry{Name: soc.NameOfOtherCopy(opts.Family, opts.Medium.Kind == soc.SPI, e.Name), Target: Target{DevicePath: pathB}, BUPOffset: e.Offset(), Length: e.Length},
			)
		} else {
			p.NonRedundant = append(p.NonRedundant, &Entry{Name: e.Name, Target: Target{DevicePath: path}, BUPOffset: e.Offset(), Length: e.Length})
		}
		return
	}
	if !redundant {
		return
	}
	targetPath, targetName := path, e.Name
	if opts.SlotSuffix != "" {
		targetPath = pathB
		targetName = soc.NameOfOtherCopy(opts.Family, opts.Medium.Kind == soc.SPI, e.Name)
	}
	p.Redundant = append(p.Redundant, &Entry{Name: targetName, Target: Target{DevicePath: targetPath}, BUPOffset: e.Offset(), Length: e.Length})
}

func (p *Plan) computeSlotBufferSize() error {
	largest := uint64(0)
	for _, list := range [][]*Entry{p.Redundant, p.NonRedundant} {
		for _, e := range list {
			sz, err := e.Target.SizeBytes()
			if err != nil {
				return fmt.Errorf("plan: sizing target for %s: %w", e.Name, err)
			}
			if sz > largest {
				largest = sz
			}
		}
	}
	p.SlotBufferSize = alignTo(largest, 512)
	return nil
}

func alignTo(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}
