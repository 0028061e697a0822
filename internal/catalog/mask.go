package catalog

import (
	"strings"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/config"
)

// computeMask applies the masking rules of spec §4.1: a version is masked
// if package.mask matches and no package.unmask overrides, if its keywords
// are not accepted, or if its license is not accepted. Matches are applied
// in configuration order so a later package.unmask entry can lift an
// earlier package.mask entry, mirroring the Gentoo masking algorithm's
// depth-first toggle (spec §9).
func (c *Catalog) computeMask(m *PackageMeta) (reason string, masked bool) {
	if c.cfg == nil {
		return "", false
	}

	for _, a := range c.cfg.PackageMask() {
		if a.Matches(m.ID, m.Slot, nil) {
			masked, reason = true, "package.mask: "+a.String()
		}
	}
	for _, a := range c.cfg.PackageUnmask() {
		if a.Matches(m.ID, m.Slot, nil) {
			masked, reason = false, ""
		}
	}
	if masked {
		return reason, true
	}

	if !c.keywordAccepted(m) {
		return "keyword not accepted: " + strings.Join(m.Keywords, " "), true
	}
	if !c.licenseAccepted(m) {
		return "license not accepted: " + m.License, true
	}
	return "", false
}

func (c *Catalog) keywordAccepted(m *PackageMeta) bool {
	if len(m.Keywords) == 0 {
		// No KEYWORDS at all conventionally means "not yet keyworded
		// anywhere" -- treat as masked rather than silently universal.
		return false
	}
	accepted := config.MergeIncremental(
		tokensOf(c.cfg.MakeConf()["ACCEPT_KEYWORDS"]),
		c.cfg.PackageKeywordTokens(m.ID.Name),
	)
	acceptedSet := make(map[string]bool, len(accepted))
	for _, a := range accepted {
		acceptedSet[a] = true
	}
	for _, kw := range m.Keywords {
		if acceptedSet[kw] {
			return true
		}
		// A stable keyword (no leading "~" or "-") is accepted whenever its
		// bare arch token is accepted, independent of "~arch" acceptance.
		if len(kw) > 0 && kw[0] != '~' && kw[0] != '-' && acceptedSet[kw] {
			return true
		}
	}
	return false
}

func (c *Catalog) licenseAccepted(m *PackageMeta) bool {
	if m.License == "" {
		return true
	}
	accepted := c.cfg.AcceptedLicenses()
	if len(accepted) == 0 {
		return false
	}
	acceptedSet := make(map[string]bool, len(accepted))
	for _, l := range accepted {
		acceptedSet[l] = true
	}
	if acceptedSet["*"] {
		return true
	}
	for _, tok := range strings.Fields(m.License) {
		if tok == "||" || tok == "(" || tok == ")" {
			continue
		}
		if !acceptedSet[tok] {
			return false
		}
	}
	return true
}

func tokensOf(s string) []string {
	return strings.Fields(s)
}
