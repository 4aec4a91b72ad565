package jail

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
	"github.com/jailkeeper/jailkeeper/internal/props"
)

const (
	// DefaultsTarget names the defaults template. iocage calls it "default".
	DefaultsTarget = "defaults"

	// StateProperty is the pseudo property carrying the desired lifecycle state.
	StateProperty = "state"

	// StateUp is the state value requesting a running jail.
	StateUp = "up"
	// StateDown is the state value requesting a stopped jail.
	StateDown = "down"
)

// readOnlyProperties are derived by iocage and never written.
var readOnlyProperties = []string{
	"CONFIG_VERSION",
	"last_started",
	"type",
	"mountpoint",
	"origin",
	"used",
	"available",
	"jid",
}

var settableProperties = []string{
	"allow_chflags", "allow_mlock", "allow_mount", "allow_mount_devfs",
	"allow_mount_fusefs", "allow_mount_nullfs", "allow_mount_procfs",
	"allow_mount_tmpfs", "allow_mount_zfs", "allow_quotas", "allow_raw_sockets",
	"allow_set_hostname", "allow_socket_af", "allow_sysvipc", "allow_tun",
	"allow_vmm", "assign_localhost", "basejail", "boot", "bpf", "children_max",
	"comment", "compression", "coredumpsize", "cpuset", "cputime", "datasize",
	"defaultrouter", "defaultrouter6", "depends", "devfs_ruleset", "dhcp",
	"enforce_statfs", "exec_clean", "exec_created", "exec_fib",
	"exec_jail_user", "exec_poststart", "exec_poststop", "exec_prestart",
	"exec_prestop", "exec_start", "exec_stop", "exec_system_jail_user",
	"exec_system_user", "exec_timeout", "host_domainname", "host_hostname",
	"host_hostuuid", "host_time", "hostid", "hostid_strict_check", "interfaces",
	"ip4", "ip4_addr", "ip4_saddrsel", "ip6", "ip6_addr", "ip6_saddrsel",
	"ip_hostname", "jail_zfs", "jail_zfs_dataset", "jail_zfs_mountpoint",
	"localhost_ip", "login_flags", "mac_prefix", "maxproc", "memorylocked",
	"memoryuse", "mount_devfs", "mount_fdescfs", "mount_linprocfs",
	"mount_procfs", "msgqqueued", "msgqsize", "nat", "nat_backend",
	"nat_forwards", "nat_interface", "nat_prefix", "nmsgq", "notes", "nsem",
	"nsemop", "nshm", "nthr", "openfiles", "owner", "pcpu", "plugin_name",
	"plugin_repository", "priority", "pseudoterminals", "quota", "readbps",
	"readiops", "release", "reservation", "resolver", "rlimits", "rtsold",
	"securelevel", "shmsize", "stacksize", "stop_timeout", "swapuse",
	"sync_state", "sync_target", "sync_tgt_zpool", "sysvmsg", "sysvsem",
	"sysvshm", "template", "vmemoryuse", "vnet", "vnet0_mac", "vnet1_mac",
	"vnet2_mac", "vnet3_mac", "vnet_default_interface", "vnet_interfaces",
	"wallclock", "writebps", "writeiops",
}

// Catalog is the set of property names a desired configuration may use.
type Catalog struct {
	known map[string]struct{}
}

// DefaultCatalog returns the static iocage property catalog, including the
// read-only properties and the state pseudo property.
func DefaultCatalog() Catalog {
	c := Catalog{known: make(map[string]struct{})}
	for _, group := range [][]string{settableProperties, readOnlyProperties, {StateProperty}} {
		for _, name := range group {
			c.known[name] = struct{}{}
		}
	}
	return c
}

// With returns a copy of the catalog extended with names.
func (c Catalog) With(names ...string) Catalog {
	out := Catalog{known: make(map[string]struct{}, len(c.known)+len(names))}
	for name := range c.known {
		out.known[name] = struct{}{}
	}
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			out.known[name] = struct{}{}
		}
	}
	return out
}

// Known reports whether name is in the catalog.
func (c Catalog) Known(name string) bool {
	_, ok := c.known[name]
	return ok
}

// Unknown returns the keys of m that are not in the catalog, sorted.
// Annotation keys starting with "__" are ignored.
func (c Catalog) Unknown(m *props.Map) []string {
	var unknown []string
	for _, key := range m.Keys() {
		if isAnnotation(key) {
			continue
		}
		if !c.Known(key) {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// Validate rejects maps carrying keys outside the catalog.
func (c Catalog) Validate(m *props.Map) error {
	if unknown := c.Unknown(m); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown properties: %s", ErrInvalidArgument, strings.Join(unknown, ", "))
	}
	return nil
}

// Filter returns the catalog entries of m, dropping annotations and unknown keys.
func (c Catalog) Filter(m *props.Map) *props.Map {
	out := props.New()
	for _, key := range m.Keys() {
		if isAnnotation(key) || !c.Known(key) {
			continue
		}
		out.Set(key, m.Value(key))
	}
	return out
}

// Exclusions returns the fixed set of properties never written by the reconciler.
func Exclusions() map[string]struct{} {
	out := make(map[string]struct{}, len(readOnlyProperties))
	for _, name := range readOnlyProperties {
		out[name] = struct{}{}
	}
	return out
}

// IsReadOnly reports whether name is a derived property.
func IsReadOnly(name string) bool {
	for _, ro := range readOnlyProperties {
		if ro == name {
			return true
		}
	}
	return false
}

// IsDefaults reports whether target names the defaults template.
func IsDefaults(target string) bool {
	return target == DefaultsTarget || target == iocage.DefaultsName
}

// managerName maps a target to the name the jail manager uses.
func managerName(target string) string {
	if IsDefaults(target) {
		return iocage.DefaultsName
	}
	return target
}

func isAnnotation(key string) bool {
	return strings.HasPrefix(key, "__")
}
