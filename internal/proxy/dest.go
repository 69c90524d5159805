package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Address types of the destination frame, as in SOCKS5.
const (
	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03
	AtypIPv6   byte = 0x04
)

// WriteDest writes the destination frame for target ("host:port"), the first
// bytes a client sends on a new connection.
// Format: [ATYP][len?][addr][port_hi][port_lo]
// For AtypDomain a 1-byte length prefix is inserted before addr.
func WriteDest(w io.Writer, target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("proxy: parsing target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("proxy: parsing port %q: %w", portStr, err)
	}

	atyp, addr := classifyAddr(host)
	if atyp == AtypDomain && len(addr) > 255 {
		return fmt.Errorf("proxy: domain %q too long", host)
	}

	buf := []byte{atyp}
	if atyp == AtypDomain {
		buf = append(buf, byte(len(addr)))
	}
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(port))
	_, err = w.Write(buf)
	return err
}

// ReadDest reads a destination frame written by WriteDest and returns the
// target as "host:port".
func ReadDest(r io.Reader) (string, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", fmt.Errorf("proxy: reading ATYP: %w", err)
	}

	var host string
	switch atyp[0] {
	case AtypIPv4:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("proxy: reading IPv4: %w", err)
		}
		host = net.IP(b).String()

	case AtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", fmt.Errorf("proxy: reading domain length: %w", err)
		}
		domain := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", fmt.Errorf("proxy: reading domain: %w", err)
		}
		host = string(domain)

	case AtypIPv6:
		b := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("proxy: reading IPv6: %w", err)
		}
		host = net.IP(b).String()

	default:
		return "", fmt.Errorf("proxy: unknown ATYP 0x%02x", atyp[0])
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", fmt.Errorf("proxy: reading port: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), nil
}

// classifyAddr returns the ATYP byte and raw address bytes for host.
func classifyAddr(host string) (byte, []byte) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return AtypIPv4, ip4
		}
		return AtypIPv6, ip.To16()
	}
	return AtypDomain, []byte(host)
}
