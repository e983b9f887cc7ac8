package backend

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Guest mount points used by container backends.
const (
	GuestTaskDir   = "/mnt/gowdl/task"
	GuestInputsDir = "/mnt/gowdl/inputs"
)

// Mount binds a host directory into a container.
type Mount struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// PathMapper translates paths between the host and the environment the
// command runs in.
type PathMapper interface {
	ToGuest(host string) string
	ToHost(guest string) string
	Mounts() []Mount
}

// IdentityMapper is used when commands run directly on the host.
type IdentityMapper struct{}

func (IdentityMapper) ToGuest(host string) string { return host }
func (IdentityMapper) ToHost(guest string) string { return guest }
func (IdentityMapper) Mounts() []Mount            { return nil }

// ContainerMapper mounts the attempt directory read-write at GuestTaskDir and
// the parent directory of every input read-only under GuestInputsDir/<n>.
type ContainerMapper struct {
	mounts []Mount
}

// NewContainerMapper builds the mounts for job.
func NewContainerMapper(job *JobSpec) *ContainerMapper {
	m := &ContainerMapper{}
	if job.AttemptDir != "" {
		m.mounts = append(m.mounts, Mount{Host: filepath.Clean(job.AttemptDir), Guest: GuestTaskDir})
	}

	dirs := make(map[string]bool)
	for _, p := range job.InputPaths {
		if p == "" {
			continue
		}
		d := filepath.Dir(filepath.Clean(p))
		if m.covered(d) {
			continue
		}
		dirs[d] = true
	}
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	for i, d := range sorted {
		m.mounts = append(m.mounts, Mount{
			Host:     d,
			Guest:    fmt.Sprintf("%s/%d", GuestInputsDir, i),
			ReadOnly: true,
		})
	}
	return m
}

func (m *ContainerMapper) covered(dir string) bool {
	for _, mt := range m.mounts {
		if within(dir, mt.Host) {
			return true
		}
	}
	return false
}

// ToGuest maps a host path through the longest matching mount. Paths outside
// every mount are returned unchanged.
func (m *ContainerMapper) ToGuest(host string) string {
	return translate(m.mounts, filepath.Clean(host), func(mt Mount) (string, string) { return mt.Host, mt.Guest })
}

// ToHost is the inverse of ToGuest.
func (m *ContainerMapper) ToHost(guest string) string {
	return translate(m.mounts, filepath.Clean(guest), func(mt Mount) (string, string) { return mt.Guest, mt.Host })
}

func (m *ContainerMapper) Mounts() []Mount { return m.mounts }

func translate(mounts []Mount, p string, dir func(Mount) (from, to string)) string {
	best, bestLen := "", -1
	for _, mt := range mounts {
		from, to := dir(mt)
		if within(p, from) && len(from) > bestLen {
			rel := strings.TrimPrefix(p, from)
			best, bestLen = to+rel, len(from)
		}
	}
	if bestLen < 0 {
		return p
	}
	return best
}

func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}
