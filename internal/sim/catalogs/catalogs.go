package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"workyard.ai/internal/sim/geom"
)

// Catalogs is the static world description: region geometry, affinity tables
// and task labels. It is read-only once loaded.
type Catalogs struct {
	World    WorldDef
	Regions  RegionCatalog
	Affinity AffinityCatalog
	Tasks    map[string][]string
	Kinds    []string

	Digest string
}

type WorldDef struct {
	Width       float64 `yaml:"width"`
	Height      float64 `yaml:"height"`
	SpawnRegion string  `yaml:"spawn_region"`
}

func (w WorldDef) Bounds() geom.Rect { return geom.Rect{W: w.Width, H: w.Height} }

// Diagonal is the world diagonal length, the proximity normalizer.
func (w WorldDef) Diagonal() float64 { return w.Bounds().Diagonal() }

type Region struct {
	ID       string    `yaml:"id" json:"id"`
	Name     string    `yaml:"name" json:"name"`
	Type     string    `yaml:"type" json:"type"`
	Bounds   geom.Rect `yaml:"bounds" json:"bounds"`
	Urgency  float64   `yaml:"urgency" json:"urgency"`
	Level    int       `yaml:"level,omitempty" json:"level,omitempty"`
	Capacity int       `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

func (r Region) Center() geom.Vec2 { return r.Bounds.Center() }

type RegionCatalog struct {
	List []Region
	ByID map[string]Region
}

func (c RegionCatalog) Get(id string) (Region, bool) {
	r, ok := c.ByID[id]
	return r, ok
}

type AffinityCatalog struct {
	Default map[string]float64
	ByKind  map[string]map[string]float64
}

// Lookup returns the kind's preference for a region type, falling back to the
// default table when the kind or the entry is missing.
func (a AffinityCatalog) Lookup(kind, regionType string) float64 {
	if t, ok := a.ByKind[kind]; ok {
		if v, ok := t[regionType]; ok {
			return v
		}
	}
	return a.Default[regionType]
}

type fileV1 struct {
	World    WorldDef `yaml:"world"`
	Regions  []Region `yaml:"regions"`
	Affinity struct {
		Default map[string]float64            `yaml:"default"`
		ByKind  map[string]map[string]float64 `yaml:"by_kind"`
	} `yaml:"affinity"`
	Tasks map[string][]string `yaml:"tasks"`
	Kinds []string            `yaml:"kinds"`
}

func Load(path string) (*Catalogs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("regions.yaml: %w", err)
	}
	return c, nil
}

func Parse(raw []byte) (*Catalogs, error) {
	var f fileV1
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	c := &Catalogs{
		World: f.World,
		Regions: RegionCatalog{
			List: f.Regions,
			ByID: make(map[string]Region, len(f.Regions)),
		},
		Affinity: AffinityCatalog{
			Default: f.Affinity.Default,
			ByKind:  f.Affinity.ByKind,
		},
		Tasks: f.Tasks,
		Kinds: f.Kinds,
	}
	if c.Affinity.Default == nil {
		c.Affinity.Default = map[string]float64{}
	}
	if c.Tasks == nil {
		c.Tasks = map[string][]string{}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])
	return c, nil
}

func (c *Catalogs) validate() error {
	if c.World.Width <= 0 || c.World.Height <= 0 {
		return fmt.Errorf("world: size must be positive, got %vx%v", c.World.Width, c.World.Height)
	}
	if len(c.Regions.List) == 0 {
		return errors.New("no regions")
	}
	for i, r := range c.Regions.List {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return fmt.Errorf("region %d: empty id", i)
		}
		if _, dup := c.Regions.ByID[r.ID]; dup {
			return fmt.Errorf("region %s: duplicate id", r.ID)
		}
		if r.Bounds.W <= 0 || r.Bounds.H <= 0 {
			return fmt.Errorf("region %s: bounds must have positive size", r.ID)
		}
		if r.Urgency < 0 || r.Urgency > 1 {
			return fmt.Errorf("region %s: urgency %v outside [0,1]", r.ID, r.Urgency)
		}
		if r.Capacity < 0 {
			return fmt.Errorf("region %s: negative capacity", r.ID)
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		c.Regions.List[i] = r
		c.Regions.ByID[r.ID] = r
	}
	if _, ok := c.Regions.ByID[c.World.SpawnRegion]; !ok {
		return fmt.Errorf("world: spawn_region %q is not a region", c.World.SpawnRegion)
	}
	for kind, t := range c.Affinity.ByKind {
		for typ, v := range t {
			if v < 0 || v > 1 {
				return fmt.Errorf("affinity %s/%s: %v outside [0,1]", kind, typ, v)
			}
		}
	}
	for typ, v := range c.Affinity.Default {
		if v < 0 || v > 1 {
			return fmt.Errorf("affinity default/%s: %v outside [0,1]", typ, v)
		}
	}
	sort.Strings(c.Kinds)
	return nil
}

// Candidates returns every region a worker can be sent to, in file order.
// The spawn region is excluded.
func (c *Catalogs) Candidates() []Region {
	out := make([]Region, 0, len(c.Regions.List))
	for _, r := range c.Regions.List {
		if r.ID == c.World.SpawnRegion {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *Catalogs) SpawnRegion() Region {
	return c.Regions.ByID[c.World.SpawnRegion]
}

// TaskLabel picks a label for work in a region of the given type. It returns
// "" when the type has no labels.
func (c *Catalogs) TaskLabel(regionType string, f func() float64) string {
	labels := c.Tasks[regionType]
	if len(labels) == 0 {
		return ""
	}
	i := int(f() * float64(len(labels)))
	if i >= len(labels) {
		i = len(labels) - 1
	}
	return labels[i]
}

// Kind picks a worker kind. It returns "" when no kinds are configured.
func (c *Catalogs) Kind(f func() float64) string {
	if len(c.Kinds) == 0 {
		return ""
	}
	i := int(f() * float64(len(c.Kinds)))
	if i >= len(c.Kinds) {
		i = len(c.Kinds) - 1
	}
	return c.Kinds[i]
}
