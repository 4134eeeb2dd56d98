//go:build !libvirt

package sandbox

import "errors"

// NewLibvirtRuntime is only available in builds tagged libvirt. The default
// binary stays free of cgo so it can run as the key helper inside sandboxes
// that do not ship libvirt.
func NewLibvirtRuntime(uri string, opts ...Option) (Runtime, error) {
	return nil, errors.New("libvirt runtime not compiled in, rebuild with -tags libvirt")
}
