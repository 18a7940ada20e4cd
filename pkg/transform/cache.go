package transform

import "sync"

// FlavorCache resolves instance flavor ids to flavor names and volume types
// to the service billed for them. Both are seeded from configuration. Flavor
// names reported by samples are learned on top of the seed. One cache is
// shared by every transformer of a process.
type FlavorCache struct {
	mu          sync.RWMutex
	seedFlavors map[string]string
	flavors     map[string]string
	volumeTypes map[string]string
}

func NewFlavorCache(flavors, volumeTypes map[string]string) *FlavorCache {
	c := &FlavorCache{
		seedFlavors: copyMap(flavors),
		volumeTypes: copyMap(volumeTypes),
	}
	c.Reset()
	return c
}

// FlavorName returns the name registered for a flavor id, or the id itself.
func (c *FlavorCache) FlavorName(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.flavors[id]; ok {
		return name
	}
	return id
}

// SetFlavor records the name a sample reported for a flavor id.
func (c *FlavorCache) SetFlavor(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flavors[id] = name
}

// VolumeTypeService returns the service billed for a volume type.
func (c *FlavorCache) VolumeTypeService(volumeType string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	service, ok := c.volumeTypes[volumeType]
	return service, ok
}

// Reset drops everything learned since construction.
func (c *FlavorCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flavors = copyMap(c.seedFlavors)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
