// Package domain defines the core value types, measurement records, and
// error taxonomy used by the histoquant engine.
package domain

// Hemisphere identifies one side of the midline. A detection or annotation
// is always assigned exactly one of the two symbolic values at ingestion.
type Hemisphere string

// Canonical hemisphere identifiers used across annotations, detections and metrics.
const (
	HemisphereLeft  Hemisphere = "Left"
	HemisphereRight Hemisphere = "Right"
)

// Valid reports whether h is one of the two canonical hemisphere values.
func (h Hemisphere) Valid() bool {
	return h == HemisphereLeft || h == HemisphereRight
}

// BlacklistScope selects how a blacklist rule removes nodes from the region tree.
type BlacklistScope string

// Supported blacklist scopes.
const (
	// BlacklistExact removes only the named nodes; their children are
	// re-parented to the removed node's parent.
	BlacklistExact BlacklistScope = "EXACT"
	// BlacklistWithChilds removes the named nodes and their full subtrees.
	BlacklistWithChilds BlacklistScope = "WITH_CHILDS"
)

// RegionNode is one atlas region. Nodes form a tree rooted at a single root
// node and are immutable once loaded from the atlas source.
type RegionNode struct {
	ID      int    `json:"id"`
	Acronym string `json:"acronym"`
	Name    string `json:"name"`
	// ParentAcronym is empty only for the root node.
	ParentAcronym string `json:"parent_acronym,omitempty"`
	// AreaUM2 holds the hemisphere-specific region area in square
	// micrometers when the atlas provides one.
	AreaUM2 map[Hemisphere]float64 `json:"area_um2,omitempty"`
}

// BlacklistRule removes regions from the active ontology.
type BlacklistRule struct {
	Scope   BlacklistScope `json:"scope"`
	Members []string       `json:"members"`
}

// FusionGroup replaces its member regions with one synthetic region whose
// area and measurements are the sums over the members.
type FusionGroup struct {
	Acronym string   `json:"acronym"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ObjectKind is the punctal-vs-fiber variant resolved once at ingestion from
// the segmentation tag. Downstream metric choice (count vs cumulated length)
// branches on the kind, never on the raw tag string.
type ObjectKind string

// Recognised object kinds.
const (
	KindPunctal ObjectKind = "punctal"
	KindFiber   ObjectKind = "fiber"
)

// Detection is one imaged object with atlas coordinates in millimeters.
// Hemisphere is assigned from the parent annotation at ingestion and never
// recomputed from coordinates.
type Detection struct {
	AtlasX       float64    `json:"atlas_x"`
	AtlasY       float64    `json:"atlas_y"`
	AtlasZ       float64    `json:"atlas_z"`
	Hemisphere   Hemisphere `json:"hemisphere"`
	PrimaryClass string     `json:"primary_class"`
	DerivedClass string     `json:"derived_class"`
}

// AnnotationRecord is one (region x hemisphere) instance measured on one
// image. Measurements maps a measurement name to its raw value, one entry
// per channel/marker.
type AnnotationRecord struct {
	RegionAcronym string             `json:"region_acronym"`
	Hemisphere    Hemisphere         `json:"hemisphere"`
	AreaUM2       float64            `json:"area_um2"`
	Measurements  map[string]float64 `json:"measurements"`
}

// MetricKey identifies one derived metric value.
type MetricKey struct {
	Region     string     `json:"region"`
	Hemisphere Hemisphere `json:"hemisphere"`
	Channel    string     `json:"channel"`
	Metric     string     `json:"metric"`
}

// MetricRecord is one derived per-animal metric. Undefined values (for
// example area-normalized metrics over a zero-area region) carry an
// undefined Value, never zero.
type MetricRecord struct {
	MetricKey
	Value Value `json:"value"`
}

// AggregatedRecord is the cross-animal summary for one metric key. SEM is
// undefined when only one animal contributed.
type AggregatedRecord struct {
	MetricKey
	Mean     Value `json:"mean"`
	SEM      Value `json:"sem"`
	NAnimals int   `json:"n_animals"`
}

// Axis identifies an anatomical axis for spatial distributions.
type Axis string

// Anatomical axes.
const (
	AxisAP Axis = "ap" // anterior-posterior
	AxisDV Axis = "dv" // dorso-ventral
	AxisML Axis = "ml" // medio-lateral
)

// DistributionBin is one bin of a 1-D spatial histogram for one hue value.
type DistributionBin struct {
	Axis      Axis    `json:"axis"`
	BinIndex  int     `json:"bin_index"`
	BinCenter float64 `json:"bin_center"`
	Hue       string  `json:"hue"`
	Value     float64 `json:"value"`
}

// Heatmap is the 2-D histogram over two chosen axes, binned independently
// of the 1-D axis specs.
type Heatmap struct {
	AxisX Axis `json:"axis_x"`
	AxisY Axis `json:"axis_y"`
	// Cells is indexed [y][x], row-major from the minimum edge.
	Cells [][]float64 `json:"cells"`
	// Lim bounds the displayed value range; zero-valued means unset.
	Lim [2]float64 `json:"lim"`
}
