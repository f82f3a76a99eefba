// Package registry persists deployment metadata and allocates addresses
// from a fixed host-local pool, grounded on the teacher's Boxer (boxer.go)
// for its single-writer-lock, validate-on-load discipline, adapted here
// from a sqlite-backed store to the flat, versioned, human-readable
// document spec.md §4.2 calls for.
package registry

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ocifaas/faasd/internal/apierr"
)

const documentVersion = 1

// Deployment is the unit a user publishes: a name, an assigned address,
// the rootfs that backs every request, and the launch command read from
// the image's configuration.
type Deployment struct {
	Name       string   `yaml:"-"`
	Address    string   `yaml:"address"`
	Port       int      `yaml:"port"`
	RootfsPath string   `yaml:"rootfsPath"`
	Command    []string `yaml:"command"`
}

type document struct {
	Version     int                   `yaml:"version"`
	Deployments map[string]Deployment `yaml:"deployments"`
}

// Registry is the single owner of deployment state. It is safe for
// concurrent use: Allocate serializes allocation+persistence with mu,
// Lookup/List take a read lock over a snapshot.
type Registry struct {
	path string
	pool *addressPool

	mu   sync.RWMutex
	docs map[string]Deployment
}

// Open loads (or initializes) the registry document at stateDir/registry.yaml
// and validates that every record's rootfs still exists on disk, per
// spec.md §4.2 ("records whose rootfs is missing are rejected with a
// clear error rather than silently deleted").
func Open(stateDir, addressPoolCIDR string, port int) (*Registry, error) {
	pool, err := newAddressPool(addressPoolCIDR)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("parsing address pool %q: %w", addressPoolCIDR, err))
	}

	r := &Registry{
		path: filepath.Join(stateDir, "registry.yaml"),
		pool: pool,
		docs: map[string]Deployment{},
	}

	recs, err := r.Load()
	if err != nil {
		return nil, err
	}
	for _, d := range recs {
		if _, err := os.Stat(d.RootfsPath); err != nil {
			return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("deployment %q: rootfs %s is missing: %w", d.Name, d.RootfsPath, err))
		}
		r.docs[d.Name] = d
		pool.markUsed(d.Address)
	}
	_ = port // port is fixed-by-convention per spec.md §3; carried for future per-deployment overrides.
	return r, nil
}

// Load reads the registry document from disk without mutating in-memory
// state, returning an empty set if the file does not yet exist.
func (r *Registry) Load() ([]Deployment, error) {
	b, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("reading registry: %w", err))
	}

	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("parsing registry: %w", err))
	}
	if doc.Version != 0 && doc.Version != documentVersion {
		return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("registry document version %d is not supported", doc.Version))
	}

	recs := make([]Deployment, 0, len(doc.Deployments))
	for name, d := range doc.Deployments {
		d.Name = name
		recs = append(recs, d)
	}
	return recs, nil
}

// Save rewrites the registry document whole via write-temp-then-rename so
// concurrent readers never observe a partial file.
func (r *Registry) Save(recs []Deployment) error {
	doc := document{Version: documentVersion, Deployments: make(map[string]Deployment, len(recs))}
	for _, d := range recs {
		doc.Deployments[d.Name] = d
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("encoding registry: %w", err))
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.yaml.tmp")
	if err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("creating registry temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.Internal, fmt.Errorf("writing registry temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.Internal, fmt.Errorf("syncing registry temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("closing registry temp file: %w", err))
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("renaming registry into place: %w", err))
	}
	return nil
}

// snapshot returns the current in-memory records, sorted by nothing in
// particular — callers that need stable order sort themselves.
func (r *Registry) snapshot() []Deployment {
	recs := make([]Deployment, 0, len(r.docs))
	for _, d := range r.docs {
		recs = append(recs, d)
	}
	return recs
}

// Lookup returns the deployment named name, or a NotFound error.
func (r *Registry) Lookup(name string) (Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[name]
	if !ok {
		return Deployment{}, apierr.New(apierr.NotFound, fmt.Sprintf("deployment %q not found", name))
	}
	return d, nil
}

// List returns every known deployment.
func (r *Registry) List() []Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

// Allocate reserves an address for a new deployment named name and
// persists the new record with Save before returning; if Save fails the
// reservation is undone. Publish (in internal/daemon) calls this and
// calls Rollback on any later failure.
func (r *Registry) Allocate(name string, rootfsPath string, port int, command []string) (Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[name]; ok {
		return Deployment{}, apierr.New(apierr.AlreadyExists, fmt.Sprintf("deployment %q already exists", name))
	}

	addr, err := r.pool.allocate()
	if err != nil {
		return Deployment{}, err
	}

	d := Deployment{
		Name:       name,
		Address:    addr,
		Port:       port,
		RootfsPath: rootfsPath,
		Command:    command,
	}
	r.docs[name] = d
	if err := r.Save(r.snapshot()); err != nil {
		delete(r.docs, name)
		r.pool.release(addr)
		return Deployment{}, err
	}
	return d, nil
}

// Rollback undoes an Allocate that was never followed by a successful
// Save-confirmed publish (e.g. the listener failed to bind). It is a
// no-op if name is not present.
func (r *Registry) Rollback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[name]
	if !ok {
		return
	}
	delete(r.docs, name)
	r.pool.release(d.Address)
	_ = r.Save(r.snapshot())
}

// addressPool scans a fixed CIDR range in order for the first unused
// address, per spec.md §4.2.
type addressPool struct {
	mu        sync.Mutex
	cidr      *net.IPNet
	base      net.IP
	broadcast net.IP
	used      map[string]bool
}

func newAddressPool(cidr string) (*addressPool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	base := ip.Mask(ipnet.Mask)
	return &addressPool{cidr: ipnet, base: base, broadcast: broadcastAddr(base, ipnet.Mask), used: map[string]bool{}}, nil
}

// broadcastAddr returns the all-host-bits-set address of the range
// base/mask belongs to.
func broadcastAddr(base net.IP, mask net.IPMask) net.IP {
	out := cloneIP(base)
	for i := range out {
		out[i] |= ^mask[i]
	}
	return out
}

func (p *addressPool) markUsed(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[addr] = true
}

func (p *addressPool) release(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, addr)
}

func (p *addressPool) allocate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ip := cloneIP(p.base)
	for p.cidr.Contains(ip) {
		incrIP(ip)
		if !p.cidr.Contains(ip) {
			break
		}
		s := ip.String()
		// Skip the network and broadcast addresses of the range.
		if s == p.base.String() || s == p.broadcast.String() {
			continue
		}
		if !p.used[s] {
			p.used[s] = true
			return s, nil
		}
	}
	return "", apierr.New(apierr.PoolExhausted, fmt.Sprintf("no free address in %s", p.cidr.String()))
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incrIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
