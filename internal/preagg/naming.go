package preagg

import (
	"fmt"
	"strconv"
	"strings"
)

// Naming scheme versions for physical table suffixes.
const (
	// NamingV1 appends the last-updated instant as literal milliseconds.
	NamingV1 = 1
	// NamingV2 appends the same instant base-36 encoded.
	NamingV2 = 2
)

// TargetTableName derives the deterministic physical name for a build:
// logical table, content version, structure version and an encoded
// last-updated suffix.
func TargetTableName(table, contentVersion, structureVersion string, lastUpdatedMs int64, namingVersion int) (string, error) {
	var suffix string
	switch namingVersion {
	case NamingV1:
		suffix = strconv.FormatInt(lastUpdatedMs, 10)
	case NamingV2:
		suffix = strconv.FormatInt(lastUpdatedMs, 36)
	default:
		return "", fmt.Errorf("preagg: unknown naming version %d", namingVersion)
	}
	return fmt.Sprintf("%s_%s_%s_%s", table, contentVersion, structureVersion, suffix), nil
}

// ParsedTableName is the decomposition of a physical table name.
type ParsedTableName struct {
	Table            string
	ContentVersion   string
	StructureVersion string
	LastUpdatedMs    int64
	NamingVersion    int
}

// ParseTableName decomposes a physical name. The logical table may itself
// contain underscores, so the versions and suffix are taken from the right.
// A 13-digit decimal suffix is a v1 literal timestamp; anything else
// decodes as the v2 base-36 form.
func ParseTableName(physical string) (*ParsedTableName, error) {
	parts := strings.Split(physical, "_")
	if len(parts) < 4 {
		return nil, fmt.Errorf("preagg: malformed table name %q", physical)
	}
	suffix := parts[len(parts)-1]
	out := &ParsedTableName{
		Table:            strings.Join(parts[:len(parts)-3], "_"),
		ContentVersion:   parts[len(parts)-3],
		StructureVersion: parts[len(parts)-2],
	}
	if len(suffix) == 13 && isDigits(suffix) {
		ms, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("preagg: malformed v1 suffix in %q", physical)
		}
		out.LastUpdatedMs = ms
		out.NamingVersion = NamingV1
		return out, nil
	}
	ms, err := strconv.ParseInt(suffix, 36, 64)
	if err != nil {
		return nil, fmt.Errorf("preagg: malformed v2 suffix in %q: %w", physical, err)
	}
	out.LastUpdatedMs = ms
	out.NamingVersion = NamingV2
	return out, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// SelectNewest picks, among physical tables of one logical pre-aggregation,
// the one with the most recent last-updated instant. Selection always
// parses the timestamp: naming v1 and v2 suffixes do not sort consistently
// as strings. Equal timestamps keep the first listed.
func SelectNewest(physical []string) (string, error) {
	if len(physical) == 0 {
		return "", fmt.Errorf("preagg: no tables to select from")
	}
	best := physical[0]
	parsed, err := ParseTableName(best)
	if err != nil {
		return "", err
	}
	bestMs := parsed.LastUpdatedMs
	for _, name := range physical[1:] {
		p, err := ParseTableName(name)
		if err != nil {
			return "", err
		}
		if p.LastUpdatedMs > bestMs {
			best = name
			bestMs = p.LastUpdatedMs
		}
	}
	return best, nil
}
