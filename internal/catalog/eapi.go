package catalog

// eapiFeatureSet gates which spec-level features a package's declared EAPI
// is permitted to use (spec §9: "every feature referenced by this spec... is
// guarded by the package's EAPI; the catalog refuses to expose features not
// permitted by the package's EAPI").
type eapiFeatureSet struct {
	bdepend              bool
	subslots             bool
	slotOperators        bool
	requiredUseAtMostOne bool
	idepend              bool
}

// eapiFeatures enumerates the EAPIs this catalog accepts. Versions
// declaring anything else are rejected at load with CatalogError
// (spec §4.1: "Reject versions whose EAPI is unsupported").
var eapiFeatures = map[string]eapiFeatureSet{
	"6": {bdepend: false, subslots: true, slotOperators: true, requiredUseAtMostOne: true, idepend: false},
	"7": {bdepend: true, subslots: true, slotOperators: true, requiredUseAtMostOne: true, idepend: false},
	"8": {bdepend: true, subslots: true, slotOperators: true, requiredUseAtMostOne: true, idepend: true},
}
