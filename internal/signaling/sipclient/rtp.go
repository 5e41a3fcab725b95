package sipclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commdesk/webphone/internal/media"
)

const (
	// maxRTPPacket is the largest UDP datagram we read.
	maxRTPPacket = 1500
	// rtpHeaderSize is the fixed header size (no CSRCs, no extensions).
	rtpHeaderSize = 12
	rtpVersion    = 2

	// samplesPerPacket is 20ms of G.711 at 8 kHz: 160 one-byte samples.
	samplesPerPacket = 160
	packetDuration   = 20 * time.Millisecond

	// pcmuSilence is the u-law encoding of silence, used to pad short reads.
	pcmuSilence = 0xFF

	rtpReadTimeout = 100 * time.Millisecond
)

// rtpEndpoint is the per-call media leg: one UDP socket that sends local
// capture audio to the far end and writes received audio into the playback
// sink. The remote address is learned symmetrically: the first valid packet
// overrides the SDP-signaled address, which handles far-end NAT.
type rtpEndpoint struct {
	conn   *net.UDPConn
	logger *slog.Logger

	remote atomic.Pointer[net.UDPAddr]

	muted   atomic.Bool
	holding atomic.Bool

	ssrc uint32
	seq  uint16
	ts   uint32

	startOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// newRTPEndpoint binds an ephemeral UDP port for one call.
func newRTPEndpoint(logger *slog.Logger) (*rtpEndpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket: %w", err)
	}
	return &rtpEndpoint{
		conn:   conn,
		logger: logger,
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(65536)),
		stop:   make(chan struct{}),
	}, nil
}

func (e *rtpEndpoint) port() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// setRemote updates the RTP destination from SDP negotiation.
func (e *rtpEndpoint) setRemote(addr *net.UDPAddr) {
	e.remote.Store(addr)
}

// start launches the send and receive loops. playback receives far-end
// audio; source provides capture audio. Either may be nil.
func (e *rtpEndpoint) start(playback, source *media.Sink) {
	e.startOnce.Do(func() {
		e.wg.Add(2)
		go e.recvLoop(playback)
		go e.sendLoop(source)
	})
}

func (e *rtpEndpoint) close() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.conn.Close()
	e.wg.Wait()
}

// recvLoop reads RTP from the socket, filters to G.711 payloads, learns
// the symmetric remote address, and writes payload bytes to the playback
// sink.
func (e *rtpEndpoint) recvLoop(playback *media.Sink) {
	defer e.wg.Done()
	buf := make([]byte, maxRTPPacket)
	learned := false
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		e.conn.SetReadDeadline(time.Now().Add(rtpReadTimeout))
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Debug("rtp read failed", "error", err)
			continue
		}
		if n < rtpHeaderSize {
			continue
		}
		pt := int(buf[1] & 0x7F)
		if pt != payloadPCMU && pt != payloadPCMA {
			continue
		}
		if !learned {
			if cur := e.remote.Load(); cur == nil || !cur.IP.Equal(src.IP) || cur.Port != src.Port {
				e.logger.Debug("learned symmetric rtp address", "addr", src.String())
				e.remote.Store(src)
			}
			learned = true
		}
		if playback == nil || e.holding.Load() {
			continue
		}
		if _, err := playback.Write(buf[rtpHeaderSize:n]); err != nil {
			return
		}
	}
}

// sendLoop packetizes capture audio as PCMU at 20ms intervals. Short reads
// are padded with silence; while muted or holding, packets are suppressed
// but the timestamp keeps advancing so the far end sees a coherent stream
// on resume.
func (e *rtpEndpoint) sendLoop(source *media.Sink) {
	defer e.wg.Done()
	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()
	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		e.ts += samplesPerPacket
		if e.muted.Load() || e.holding.Load() {
			continue
		}
		remote := e.remote.Load()
		if remote == nil {
			continue
		}
		payload := pkt[rtpHeaderSize:]
		n := 0
		if source != nil {
			read, err := source.Read(payload)
			if err != nil {
				return
			}
			n = read
		}
		for i := n; i < samplesPerPacket; i++ {
			payload[i] = pcmuSilence
		}
		buildRTPHeader(pkt[:rtpHeaderSize], payloadPCMU, e.seq, e.ts, e.ssrc)
		e.seq++
		if _, err := e.conn.WriteToUDP(pkt, remote); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Debug("rtp write failed", "error", err)
		}
	}
}

// buildRTPHeader fills a 12-byte RTP header: version 2, no padding, no
// extensions, no CSRCs, marker clear.
func buildRTPHeader(buf []byte, pt int, seq uint16, ts uint32, ssrc uint32) {
	buf[0] = rtpVersion << 6
	buf[1] = byte(pt) & 0x7F
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}
