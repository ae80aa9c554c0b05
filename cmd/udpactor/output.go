package main

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/udpactor/internal/udp"
)

// printer renders CLI output, styled when writing to a terminal.
type printer struct {
	w      io.Writer
	styled bool

	addr  lipgloss.Style
	meta  lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	clock func() time.Time
}

func newPrinter(w io.Writer, styled bool) *printer {
	return &printer{
		w:      w,
		styled: styled,
		addr:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		meta:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		ok:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		clock:  time.Now,
	}
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *printer) listening(local netip.AddrPort) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.ok, "Listening on"), p.render(p.addr, local.String()))
}

func (p *printer) datagram(d udp.Datagram) {
	fmt.Fprintf(p.w, "%s %s %s %s\n",
		p.render(p.meta, p.clock().Format("15:04:05.000")),
		p.render(p.addr, d.Peer.String()),
		p.render(p.meta, "("+humanize.IBytes(uint64(d.Len()))+")"),
		payloadText(d))
}

func (p *printer) lagged(missed uint64) {
	fmt.Fprintln(p.w, p.render(p.warn, fmt.Sprintf("... %s datagrams dropped", humanize.Comma(int64(missed)))))
}

func (p *printer) sent(n int, from, to netip.AddrPort) {
	fmt.Fprintf(p.w, "%s %s from %s to %s\n",
		p.render(p.ok, "Sent"),
		humanize.IBytes(uint64(n)),
		p.render(p.addr, from.String()),
		p.render(p.addr, to.String()))
}

func (p *printer) summary(count, total int) {
	fmt.Fprintf(p.w, "%s datagrams, %s received\n",
		humanize.Comma(int64(count)), humanize.IBytes(uint64(total)))
}

// payloadText shows printable payloads as text and others as a quoted Go
// string.
func payloadText(d udp.Datagram) string {
	if utf8.Valid(d.Payload) {
		printable := true
		for _, r := range string(d.Payload) {
			if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
				printable = false
				break
			}
		}
		if printable {
			return string(d.Payload)
		}
	}
	return strconv.Quote(string(d.Payload))
}
