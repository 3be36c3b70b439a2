// Package device generates plausible device identities for accounts that
// were imported without one.
package device

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// Identity is the device metadata attached to an account.
type Identity struct {
	Model   string
	Version string
	ID      string
}

// iPhone hardware strings paired with the iOS versions they plausibly run.
var models = []struct {
	model    string
	versions []string
}{
	{"iPhone8,1", []string{"11.2.6", "11.3", "11.4.1"}},
	{"iPhone8,2", []string{"11.2.6", "11.4.1"}},
	{"iPhone9,1", []string{"11.2.6", "11.3.1", "11.4.1"}},
	{"iPhone9,3", []string{"11.3", "11.4.1"}},
	{"iPhone10,1", []string{"11.2.5", "11.3.1", "11.4.1"}},
	{"iPhone10,4", []string{"11.3", "11.4.1"}},
}

// Generator produces device identities. The zero value is not usable; use
// New or NewSeeded.
type Generator struct {
	rnd *rand.Rand
}

// New creates a Generator with a random source.
func New() *Generator {
	return NewSeeded(rand.Int63())
}

// NewSeeded creates a deterministic Generator for tests.
func NewSeeded(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

// Next returns a fresh device identity.
func (g *Generator) Next() (Identity, error) {
	pick := models[g.rnd.Intn(len(models))]
	version := pick.versions[g.rnd.Intn(len(pick.versions))]

	raw, err := uuid.NewRandom()
	if err != nil {
		return Identity{}, fmt.Errorf("generate device id: %w", err)
	}
	// Device ids are 32 lowercase hex chars, matching what real clients send.
	id := strings.ReplaceAll(raw.String(), "-", "")

	return Identity{
		Model:   pick.model,
		Version: version,
		ID:      id,
	}, nil
}
