package plan

import (
	"fmt"

	"tegraupdate/internal/soc"
)

// t210EMMCPartNames and t210SPISDPartNames are the fixed per-medium
// template original_source's order_entries_t210 walks in order,
// copied verbatim from its t210_emmc_partnames/t210_spi_sd_partnames
// arrays. BCT appears three times, mapping back to the same plan
// entry for each of the T210 BCT writer's three phases.
var t210EMMCPartNames = []string{
	"VER_b", "BCT", "NVC-1",
	"PT-1", "TBC-1", "RP1-1", "EBT-1", "WB0-1", "BPF-1", "DTB-1", "TOS-1", "EKS-1", "LNX-1",
	"BCT",
	"BCT",
	"PT", "TBC", "RP1", "EBT", "WB0", "BPF", "DTB", "TOS", "EKS", "LNX",
	"NVC", "VER",
}

var t210SPISDPartNames = []string{
	"VER_b", "BCT", "NVC_R",
	"BCT",
	"BCT",
	"PT", "TBC", "RP1", "EBT", "WB0", "BPF", "DTB", "TOS", "EKS", "LNX",
	"NVC", "VER",
}

// OrderT186T194 permutes redundant entries : anything
// that is not mb1/mb1_b/mb2/mb2_b/BCT first (input order), then
// mb2/mb2_b, then each BCT occurrence, then mb1/mb1_b last.
func OrderT186T194(redundant []*Entry) []*Entry {
	var mb1, mb1b, mb2, mb2b *Entry
	var bctOccurrences []*Entry
	ordered := make([]*Entry, 0, len(redundant))

	for _, e := range redundant {
		switch e.Name {
		case "mb1":
			mb1 = e
		case "mb1_b":
			mb1b = e
		case "mb2":
			mb2 = e
		case "mb2_b":
			mb2b = e
		case "BCT":
			bctOccurrences = append(bctOccurrences, e)
		default:
			ordered = append(ordered, e)
		}
	}
	if mb2 != nil {
		ordered = append(ordered, mb2)
	}
	if mb2b != nil {
		ordered = append(ordered, mb2b)
	}
	ordered = append(ordered, bctOccurrences...)
	if mb1 != nil {
		ordered = append(ordered, mb1)
	}
	if mb1b != nil {
		ordered = append(ordered, mb1b)
	}
	return ordered
}

// OrderT210 builds the processing order for a T210 plan from the
// fixed per-medium template. Template entries named
// with an "EKS" prefix are optional; any other unmatched template name
// is fatal. Entries present in redundant but not named by the template
// are appended afterward, in input order.
func OrderT210(redundant []*Entry, medium soc.Medium) ([]*Entry, error) {
	template := t210EMMCPartNames
	if medium.Kind == soc.SPI {
		template = t210SPISDPartNames
	}

	byName := make(map[string]*Entry, len(redundant))
	used := make(map[*Entry]bool, len(redundant))
	for _, e := range redundant {
		byName[e.Name] = e
	}

	ordered := make([]*Entry, 0, len(template)+len(redundant))
	for _, name := range template {
		e, ok := byName[name]
		if !ok {
			if len(name) >= 3 && name[:3] == "EKS" {
				continue
			}
			return nil, fmt.Errorf("payload or partition not found for %s", name)
		}
		ordered = append(ordered, e)
		used[e] = true
	}
	for _, e := range redundant {
		if !used[e] {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}
