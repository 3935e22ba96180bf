package karl

import (
	"fmt"
	"sort"
	"strings"
)

// Renderer turns a fleet status into its graph renderings. The HTML
// status page embeds AsSVG; `?dot` serves AsDOT verbatim.
type Renderer interface {
	AsDOT(s *Status, name, repoURL string) string
	AsSVG(s *Status, name, repoURL string) string
}

// defaultRenderer draws the fleet as a Graphviz digraph (machines as
// clusters, claires as nodes, dependencies as edges) and a plain SVG
// listing for browsers without a graph pipeline.
type defaultRenderer struct{}

func (defaultRenderer) AsDOT(s *Status, name, repoURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", name)
	b.WriteString("  rankdir=LR;\n  node [shape=box, style=rounded];\n")
	if repoURL != "" {
		fmt.Fprintf(&b, "  label=%q;\n", repoURL)
	}

	ips := make([]string, 0, len(s.Machines))
	for ip := range s.Machines {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	for i, ip := range ips {
		machine := s.Machines[ip]
		fmt.Fprintf(&b, "  subgraph cluster_%d {\n    label=%q;\n", i, machineLabel(ip, machine.TimeSkew))
		for _, codename := range sortedCodenames(machine.Services) {
			blob := machine.Services[codename]
			color := "red"
			if blob.Currently.Kind == "up" {
				color = "green"
			}
			fmt.Fprintf(&b, "    %q [label=%q, color=%s];\n",
				codename, blob.Service+"\n"+codename, color)
		}
		b.WriteString("  }\n")
	}

	for _, ip := range ips {
		machine := s.Machines[ip]
		for _, codename := range sortedCodenames(machine.Services) {
			for _, dep := range machine.Services[codename].Dependencies {
				fmt.Fprintf(&b, "  %q -> %q;\n", codename, dep)
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (defaultRenderer) AsSVG(s *Status, name, repoURL string) string {
	const rowHeight = 24
	rows := 0
	for _, machine := range s.Machines {
		rows += 1 + len(machine.Services)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="640" height="%d">`, (rows+2)*rowHeight)
	fmt.Fprintf(&b, `<text x="8" y="%d" font-weight="bold">%s</text>`, rowHeight, escapeXML(name))

	y := 2 * rowHeight
	ips := make([]string, 0, len(s.Machines))
	for ip := range s.Machines {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		machine := s.Machines[ip]
		fmt.Fprintf(&b, `<text x="8" y="%d">%s</text>`, y, escapeXML(machineLabel(ip, machine.TimeSkew)))
		y += rowHeight
		for _, codename := range sortedCodenames(machine.Services) {
			blob := machine.Services[codename]
			color := "#c0392b"
			if blob.Currently.Kind == "up" {
				color = "#27ae60"
			}
			fmt.Fprintf(&b, `<text x="24" y="%d" fill="%s">%s (%s) %s</text>`,
				y, color, escapeXML(codename), escapeXML(blob.Service), escapeXML(blob.Currently.LastKeepalive))
			y += rowHeight
		}
	}
	b.WriteString("</svg>")
	return b.String()
}

func machineLabel(ip, skew string) string {
	if skew == "" {
		return ip
	}
	return ip + " (" + skew + ")"
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
