package emulator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/process"
)

//go:embed domain.xml
var domainTemplate string

const domainPollInterval = 250 * time.Millisecond

type libvirtLauncher struct {
	opts   Options
	logger *slog.Logger
}

type domainTemplateData struct {
	machineSpec
	DomainType string
}

func (l *libvirtLauncher) launch(_ context.Context, spec machineSpec) (instance.Handle, error) {
	domainType := "kvm"
	if l.opts.Accel != "kvm" || !spec.Arch.Native() {
		domainType = "qemu"
	}
	domainXML, err := renderDomainXML(domainTemplateData{machineSpec: spec, DomainType: domainType})
	if err != nil {
		return nil, err
	}

	uri := l.opts.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt %s: %w", uri, err)
	}
	domain, err := conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		_, _ = conn.Close()
		return nil, fmt.Errorf("create transient domain %s: %w", spec.Name, err)
	}

	grace := l.opts.GracePeriod
	if grace <= 0 {
		grace = process.DefaultGracePeriod
	}
	l.logger.Info("libvirt domain started", "uri", uri, "domain", spec.Name)
	return &domainHandle{conn: conn, domain: domain, name: spec.Name, grace: grace}, nil
}

func renderDomainXML(data domainTemplateData) (string, error) {
	tmpl, err := template.New("domain").Funcs(template.FuncMap{"xml": escapeXML}).Parse(domainTemplate)
	if err != nil {
		return "", fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute domain template: %w", err)
	}
	return buf.String(), nil
}

func escapeXML(value string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(value)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// domainHandle tracks a transient domain. It has no host pid of its own.
type domainHandle struct {
	conn   *libvirt.Connect
	domain *libvirt.Domain
	name   string
	grace  time.Duration
}

func (h *domainHandle) PID() int { return 0 }

func (h *domainHandle) Alive() bool {
	if h.domain == nil {
		return false
	}
	active, err := h.domain.IsActive()
	return err == nil && active
}

// Stop asks the guest to power off via ACPI and destroys the domain when it
// has not gone away within the grace period.
func (h *domainHandle) Stop(ctx context.Context) error {
	defer h.release()

	if !h.Alive() {
		return nil
	}
	if err := h.domain.Shutdown(); err != nil {
		if !h.Alive() {
			return nil
		}
		return h.destroy(fmt.Errorf("shutdown %s: %w", h.name, err))
	}

	deadline := time.NewTimer(h.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(domainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !h.Alive() {
				return nil
			}
		case <-deadline.C:
			return h.destroy(fmt.Errorf("%w: domain %s", process.ErrGraceExpired, h.name))
		case <-ctx.Done():
			return h.destroy(fmt.Errorf("%w: domain %s: %w", process.ErrGraceExpired, h.name, ctx.Err()))
		}
	}
}

func (h *domainHandle) destroy(cause error) error {
	if err := h.domain.Destroy(); err != nil && h.Alive() {
		return errors.Join(cause, fmt.Errorf("destroy %s: %w", h.name, err))
	}
	return cause
}

func (h *domainHandle) release() {
	if h.domain != nil {
		_ = h.domain.Free()
		h.domain = nil
	}
	if h.conn != nil {
		_, _ = h.conn.Close()
		h.conn = nil
	}
}

// CheckLibvirt opens and closes a connection to uri.
func CheckLibvirt(uri string) error {
	if uri == "" {
		uri = DefaultConnectionURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return fmt.Errorf("connect to libvirt %s: %w", uri, err)
	}
	_, _ = conn.Close()
	return nil
}
