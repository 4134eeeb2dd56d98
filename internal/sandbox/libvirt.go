//go:build libvirt

package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
)

//go:embed domain.xml.tmpl
var domainTemplate string

var domainTmpl = template.Must(template.New("domain").Parse(domainTemplate))

var (
	// virshCommand runs virsh with args and returns stdout, stderr and the
	// exit code.
	virshCommand = func(ctx context.Context, args ...string) ([]byte, []byte, int, error) {
		cmd := exec.CommandContext(ctx, "virsh", args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), 0, err
	}

	readFdLink = func(fd uintptr) (string, error) {
		return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	}
)

// LibvirtRuntime runs hosts as transient libvirt LXC domains with a private
// network namespace. Namespace file descriptors obtained from libvirt are held
// open until Close so that NetNS paths stay valid for this process.
type LibvirtRuntime struct {
	uri    string
	logger *slog.Logger

	mu        sync.Mutex
	namespace map[string]*os.File
}

// NewLibvirtRuntime returns a runtime talking to uri (lxc:///system).
func NewLibvirtRuntime(uri string, opts ...Option) (*LibvirtRuntime, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("libvirt connection URI is required")
	}
	o := applyOptions(opts)
	return &LibvirtRuntime{
		uri:       uri,
		logger:    o.logger.With("runtime", "libvirt", "connect_uri", uri),
		namespace: map[string]*os.File{},
	}, nil
}

type domainTemplateData struct {
	Name     string
	MemoryMB int
	RootDir  string
	Mounts   []Mount
	Labels   map[string]string
}

func renderDomainXML(spec HostSpec) ([]byte, error) {
	data := domainTemplateData{
		Name:     xmlEscape(spec.Name),
		MemoryMB: spec.MemoryMB,
		Labels:   map[string]string{},
	}
	if data.MemoryMB <= 0 {
		data.MemoryMB = 256
	}
	// An image that is a directory becomes the root filesystem; otherwise
	// the domain shares the host's.
	if filepath.IsAbs(spec.Image) {
		data.RootDir = xmlEscape(spec.Image)
	}
	for _, m := range spec.Mounts {
		data.Mounts = append(data.Mounts, Mount{Source: xmlEscape(m.Source), Target: xmlEscape(m.Target), ReadOnly: m.ReadOnly})
	}
	for k, v := range spec.Labels {
		data.Labels[xmlEscape(k)] = xmlEscape(v)
	}

	var rendered bytes.Buffer
	if err := domainTmpl.Execute(&rendered, data); err != nil {
		return nil, fmt.Errorf("render domain %s: %w", spec.Name, err)
	}
	return rendered.Bytes(), nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func (r *LibvirtRuntime) connect() (*libvirt.Connect, error) {
	conn, err := libvirt.NewConnect(r.uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", r.uri, err)
	}
	return conn, nil
}

func (r *LibvirtRuntime) Start(ctx context.Context, spec HostSpec) (Instance, error) {
	logger := r.logger.With("sandbox", spec.Name)

	inst, err := r.Inspect(ctx, spec.Name)
	if err == nil && inst.Running {
		logger.Debug("domain already running")
		return inst, nil
	}
	if err != nil && !errdefs.IsNotFound(err) {
		return Instance{}, err
	}

	domainXML, err := renderDomainXML(spec)
	if err != nil {
		return Instance{}, err
	}

	conn, err := r.connect()
	if err != nil {
		return Instance{}, err
	}
	defer conn.Close()

	dom, err := conn.DomainCreateXML(string(domainXML), libvirt.DOMAIN_NONE)
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_DOM_EXIST, libvirt.ERR_OPERATION_INVALID) {
			return Instance{}, fmt.Errorf("%w: domain %s", errdefs.ErrAlreadyExists, spec.Name)
		}
		return Instance{}, fmt.Errorf("create domain %s: %w", spec.Name, err)
	}
	dom.Free()
	logger.Info("domain started")

	return r.Inspect(ctx, spec.Name)
}

func (r *LibvirtRuntime) Inspect(ctx context.Context, name string) (Instance, error) {
	conn, err := r.connect()
	if err != nil {
		return Instance{}, err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			r.release(name)
			return Instance{}, fmt.Errorf("%w: domain %s", errdefs.ErrNotFound, name)
		}
		return Instance{}, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer dom.Free()

	inst := Instance{Name: name}
	active, err := dom.IsActive()
	if err != nil {
		return Instance{}, fmt.Errorf("domain %s state: %w", name, err)
	}
	if !active {
		r.release(name)
		return inst, nil
	}
	inst.Running = true
	if id, err := dom.GetID(); err == nil {
		inst.Pid = int(id)
	}
	if inst.NetNS, err = r.netns(name, dom); err != nil {
		return Instance{}, err
	}
	if desc, err := dom.GetXMLDesc(0); err == nil {
		inst.Labels = parseDomainLabels(desc)
	}
	return inst, nil
}

// netns returns a path to the domain's network namespace, opening it through
// libvirt on first use.
func (r *LibvirtRuntime) netns(name string, dom *libvirt.Domain) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.namespace[name]; ok {
		return fdPath(f), nil
	}

	files, err := dom.LxcOpenNamespace(0)
	if err != nil {
		return "", fmt.Errorf("%w: open namespaces of %s: %v", errdefs.ErrNamespace, name, err)
	}
	var netns *os.File
	for i := range files {
		f := &files[i]
		link, err := readFdLink(f.Fd())
		if err == nil && strings.HasPrefix(link, "net:") && netns == nil {
			netns = f
			continue
		}
		f.Close()
	}
	if netns == nil {
		return "", fmt.Errorf("%w: domain %s exposes no network namespace", errdefs.ErrNamespace, name)
	}
	r.namespace[name] = netns
	return fdPath(netns), nil
}

func fdPath(f *os.File) string {
	return fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), f.Fd())
}

func (r *LibvirtRuntime) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.namespace[name]; ok {
		f.Close()
		delete(r.namespace, name)
	}
}

// Close releases every namespace handle.
func (r *LibvirtRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, f := range r.namespace {
		f.Close()
		delete(r.namespace, name)
	}
	return nil
}

func (r *LibvirtRuntime) Stop(ctx context.Context, name string) error {
	r.release(name)

	conn, err := r.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			return fmt.Errorf("%w: domain %s", errdefs.ErrNotFound, name)
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
			return fmt.Errorf("%w: domain %s", errdefs.ErrNotFound, name)
		}
		return fmt.Errorf("destroy domain %s: %w", name, err)
	}
	r.logger.Info("domain destroyed", "sandbox", name)
	return nil
}

func (r *LibvirtRuntime) Exec(ctx context.Context, name string, argv []string) (ExecResult, error) {
	args := append([]string{"-c", r.uri, "lxc-enter-namespace", name, "--noseclabel", "--"}, argv...)
	stdout, stderr, code, err := virshCommand(ctx, args...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("virsh lxc-enter-namespace %s: %w", name, err)
	}
	res := ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}
	r.logger.Debug("exec finished", "sandbox", name, "argv", argv, "exit_code", code)
	return res, checkExit(name, argv, res)
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	for _, code := range codes {
		if lerr.Code == code {
			return true
		}
	}
	return false
}

func parseDomainLabels(desc string) map[string]string {
	var doc struct {
		Labels []struct {
			Key   string `xml:"key,attr"`
			Value string `xml:"value,attr"`
		} `xml:"metadata>labels>label"`
	}
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return nil
	}
	labels := make(map[string]string, len(doc.Labels))
	for _, l := range doc.Labels {
		labels[l.Key] = l.Value
	}
	return labels
}
