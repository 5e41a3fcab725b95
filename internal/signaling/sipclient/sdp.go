package sipclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RTP payload types offered and accepted.
const (
	payloadPCMU = 0   // G.711 u-law
	payloadPCMA = 8   // G.711 a-law
	payloadDTMF = 101 // telephone-event (RFC 4733)
)

// Media directions per RFC 4566.
const (
	dirSendrecv = "sendrecv"
	dirSendonly = "sendonly"
	dirRecvonly = "recvonly"
	dirInactive = "inactive"
)

// sdpSession builds SDP bodies for one dialog. The session version bumps
// on every build so hold/resume re-INVITEs carry a fresh o= line.
type sdpSession struct {
	id      int64
	version int64
	host    string
	port    int
}

func newSDPSession(host string, port int) *sdpSession {
	return &sdpSession{
		id:   time.Now().Unix(),
		host: host,
		port: port,
	}
}

// offer renders the audio description with the given direction. Offers
// G.711 u-law/a-law plus telephone-event for out-of-band DTMF.
func (s *sdpSession) offer(direction string) []byte {
	s.version++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=webphone %d %d IN IP4 %s\r\n", s.id, s.version, s.host)
	fmt.Fprintf(&b, "s=webphone\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", s.host)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %d %d %d\r\n", s.port, payloadPCMU, payloadPCMA, payloadDTMF)
	fmt.Fprintf(&b, "a=rtpmap:%d PCMU/8000\r\n", payloadPCMU)
	fmt.Fprintf(&b, "a=rtpmap:%d PCMA/8000\r\n", payloadPCMA)
	fmt.Fprintf(&b, "a=rtpmap:%d telephone-event/8000\r\n", payloadDTMF)
	fmt.Fprintf(&b, "a=fmtp:%d 0-16\r\n", payloadDTMF)
	fmt.Fprintf(&b, "a=ptime:20\r\n")
	fmt.Fprintf(&b, "a=%s\r\n", direction)
	return []byte(b.String())
}

// audioDesc is the subset of a remote SDP body the client acts on: where
// to send RTP and which direction the far end negotiated.
type audioDesc struct {
	Addr      string
	Port      int
	Direction string
	Formats   []int
}

// parseAudio extracts the first audio m= section from an SDP body. The
// media-level c= line overrides the session-level one.
func parseAudio(body []byte) (*audioDesc, error) {
	var (
		sessionAddr string
		md          *audioDesc
	)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'c':
			addr, err := parseConnectionAddr(value)
			if err != nil {
				return nil, err
			}
			if md != nil {
				md.Addr = addr
			} else {
				sessionAddr = addr
			}
		case 'm':
			if md != nil {
				// Only the first audio section matters; stop at the next m= line.
				return md, nil
			}
			fields := strings.Fields(value)
			if len(fields) < 4 || fields[0] != "audio" {
				continue
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("parsing media port %q: %w", fields[1], err)
			}
			md = &audioDesc{Port: port, Addr: sessionAddr, Direction: dirSendrecv}
			for _, f := range fields[3:] {
				if pt, err := strconv.Atoi(f); err == nil {
					md.Formats = append(md.Formats, pt)
				}
			}
		case 'a':
			if md == nil {
				continue
			}
			switch value {
			case dirSendrecv, dirSendonly, dirRecvonly, dirInactive:
				md.Direction = value
			}
		}
	}
	if md == nil {
		return nil, fmt.Errorf("no audio media section in sdp")
	}
	return md, nil
}

// parseConnectionAddr parses a c= line value: "IN IP4 <address>".
func parseConnectionAddr(value string) (string, error) {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return "", fmt.Errorf("malformed connection line %q", value)
	}
	return fields[2], nil
}

// remoteRTPAddr resolves the RTP destination from a parsed audio section.
func remoteRTPAddr(md *audioDesc) (*net.UDPAddr, error) {
	ip := net.ParseIP(md.Addr)
	if ip == nil {
		ips, err := net.LookupIP(md.Addr)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolving rtp address %q: %w", md.Addr, err)
		}
		ip = ips[0]
	}
	return &net.UDPAddr{IP: ip, Port: md.Port}, nil
}

// holdDirection maps our hold state to the offered direction.
func holdDirection(holding bool) string {
	if holding {
		return dirSendonly
	}
	return dirSendrecv
}
