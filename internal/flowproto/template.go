package flowproto

import (
	"sync"
)

// TemplateKey identifies one NetFlow v9 / IPFIX template: templates are
// scoped per exporter and observation/source domain, and may be redefined
// over the life of a session.
type TemplateKey struct {
	ExporterIP string
	SourceID   uint32
	TemplateID uint16
}

// FieldSpec is one field within a template: an information-element type
// and its encoded width in bytes.
type FieldSpec struct {
	FieldType uint16
	Length    uint16
	// EnterpriseNumber is non-zero for IPFIX enterprise-specific elements.
	EnterpriseNumber uint32
}

// Template is a decoded v9/IPFIX template record: the ordered field layout
// data records matching TemplateID must follow.
type Template struct {
	Key    TemplateKey
	Fields []FieldSpec
}

// TemplateCache stores templates per exporter, keyed by (exporter_ip,
// source_id, template_id) as required by the wire-protocol spec for
// NetFlow v9 and IPFIX. Templates do not expire. Data records that arrive
// before their template, or whose template never arrived, are skipped by
// the parser without an error or drop reason rather than causing a parse
// failure for the whole packet.
type TemplateCache struct {
	mu        sync.RWMutex
	templates map[TemplateKey]Template
}

// NewTemplateCache creates an empty cache.
func NewTemplateCache() *TemplateCache {
	return &TemplateCache{templates: make(map[TemplateKey]Template)}
}

// Put stores or replaces a template.
func (c *TemplateCache) Put(t Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.Key] = t
}

// Get returns the template for key, if known.
func (c *TemplateCache) Get(key TemplateKey) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[key]
	return t, ok
}

// Forget drops every template for an exporter, used when an exporter
// resets its session (e.g. on a sampler restart, signaled out of band).
func (c *TemplateCache) Forget(exporterIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.templates {
		if k.ExporterIP == exporterIP {
			delete(c.templates, k)
		}
	}
}

// Size returns the number of cached templates, mainly for diagnostics.
func (c *TemplateCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}
