package application

import (
	"fmt"
	"strings"

	"github.com/bnema/vpnledger/internal/domain"
)

// GatewayConfig is the VPN endpoint advertised inside client bundles.
type GatewayConfig struct {
	Host  string
	Port  int
	Proto string
}

// RenderBundle produces the text artifact a VPN client consumes
// directly: connection directives plus the CA certificate and the
// issued credential inline.
func RenderBundle(caPEM string, cert domain.CertificateRecord, gateway GatewayConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "client\n")
	fmt.Fprintf(&b, "dev tun\n")
	fmt.Fprintf(&b, "proto %s\n", gateway.Proto)
	fmt.Fprintf(&b, "remote %s %d %s\n", gateway.Host, gateway.Port, gateway.Proto)
	fmt.Fprintf(&b, "nobind\n")
	fmt.Fprintf(&b, "persist-key\n")
	fmt.Fprintf(&b, "persist-tun\n")
	fmt.Fprintf(&b, "remote-cert-tls server\n")
	fmt.Fprintf(&b, "verb 3\n")

	writeInline(&b, "ca", caPEM)
	writeInline(&b, "cert", cert.CertPEM)
	writeInline(&b, "key", cert.KeyPEM)

	return b.String()
}

func writeInline(b *strings.Builder, tag, pem string) {
	fmt.Fprintf(b, "<%s>\n%s", tag, strings.TrimRight(pem, "\n"))
	fmt.Fprintf(b, "\n</%s>\n", tag)
}
