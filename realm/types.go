// Package realm implements realm resolution and the scene entity
// coordinator: the spatial resolver that maps the player position to the set
// of scenes to instantiate, keep alive, or unload, and resolves pointers
// (parcel coordinates or URNs) to content bundles.
package realm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/orbisworld/orbis/errors"
)

// EmptySentinel marks a parcel known to host no scene.
const EmptySentinel = "empty"

// Coord is an integer parcel coordinate.
type Coord struct {
	X, Z int32
}

// String renders the pointer form "x,z".
func (c Coord) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Z)
}

// ParseCoord parses a pointer of the form "x,z".
func ParseCoord(s string) (Coord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Coord{}, errors.Newf("invalid pointer %q", s)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return Coord{}, errors.Wrapf(err, "invalid pointer %q", s)
	}
	z, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Coord{}, errors.Wrapf(err, "invalid pointer %q", s)
	}
	return Coord{X: int32(x), Z: int32(z)}, nil
}

// ContentEntry is one file of an entity's content manifest.
type ContentEntry struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// SceneMetadata is the subset of scene.json the runtime needs.
type SceneMetadata struct {
	Main           string `json:"main"`
	RuntimeVersion string `json:"runtimeVersion,omitempty"`
	Scene          struct {
		Base    string   `json:"base"`
		Parcels []string `json:"parcels"`
	} `json:"scene"`
}

// EntityDefinition is a resolved scene descriptor: the entity hash, the
// content base URL, and the manifest of files the scene owns.
type EntityDefinition struct {
	ID       string         `json:"id"`
	Pointers []string       `json:"pointers"`
	Content  []ContentEntry `json:"content"`
	Metadata SceneMetadata  `json:"metadata"`

	// BaseURL is where the manifest's hashes are served from.
	BaseURL string `json:"-"`
	// Global descriptors occupy no coordinate-space slot.
	Global bool `json:"-"`

	// sourceURN is set for fixed entities resolved from a URN
	sourceURN string
}

// ContentHash looks up a manifest file by name.
func (d *EntityDefinition) ContentHash(file string) (string, bool) {
	for _, c := range d.Content {
		if c.File == file {
			return c.Hash, true
		}
	}
	return "", false
}

// ParseEntityDefinition decodes an entity descriptor document.
func ParseEntityDefinition(data []byte, baseURL string) (*EntityDefinition, error) {
	var def EntityDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "failed to parse entity definition")
	}
	def.BaseURL = baseURL
	return &def, nil
}

// maxRuntime is the first scene runtime version this client cannot host;
// only versions below it are accepted.
var maxRuntime = semver.MustParse("8.0.0")

// RuntimeSupported reports whether the scene's declared runtime version can
// run here. Undeclared or unparseable versions are accepted.
func (d *EntityDefinition) RuntimeSupported() bool {
	if d.Metadata.RuntimeVersion == "" {
		return true
	}
	v, err := semver.NewVersion(d.Metadata.RuntimeVersion)
	if err != nil {
		return true
	}
	return v.LessThan(maxRuntime)
}

// URN is a parsed namespaced entity identifier of the form
// "urn:<namespace>:entity:<hash>?=&baseUrl=<url>".
type URN struct {
	Raw     string
	Hash    string
	BaseURL string
}

// ParseURN parses an entity URN.
func ParseURN(raw string) (URN, error) {
	u := URN{Raw: raw}

	body := raw
	if i := strings.IndexByte(body, '?'); i >= 0 {
		query := body[i+1:]
		body = body[:i]
		for _, kv := range strings.Split(query, "&") {
			if v, ok := strings.CutPrefix(kv, "baseUrl="); ok {
				u.BaseURL = v
			}
		}
	}

	parts := strings.Split(body, ":")
	if len(parts) < 4 || parts[0] != "urn" || parts[len(parts)-2] != "entity" {
		return u, errors.Newf("invalid entity urn %q", raw)
	}
	u.Hash = parts[len(parts)-1]
	if u.Hash == "" {
		return u, errors.Newf("invalid entity urn %q", raw)
	}
	return u, nil
}
