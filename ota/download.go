//go:build tinygo

package ota

import (
	"bytes"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// DownloadState is the C6 HTTP-download-source state machine (§4.6).
type DownloadState int

const (
	DownloadIdle DownloadState = iota
	DownloadParsing
	DownloadResolving
	DownloadConnecting
	DownloadSendingRequest
	DownloadReceivingHeaders
	DownloadReceivingBody
	DownloadValidating
	DownloadComplete
	DownloadError
)

func (s DownloadState) String() string {
	switch s {
	case DownloadIdle:
		return "idle"
	case DownloadParsing:
		return "parsing"
	case DownloadResolving:
		return "resolving"
	case DownloadConnecting:
		return "connecting"
	case DownloadSendingRequest:
		return "sending_request"
	case DownloadReceivingHeaders:
		return "receiving_headers"
	case DownloadReceivingBody:
		return "receiving_body"
	case DownloadValidating:
		return "validating"
	case DownloadComplete:
		return "complete"
	default:
		return "error"
	}
}

const (
	downloadDialTimeout  = 10 * time.Second
	downloadDialRetries  = 3
	downloadReadTimeout  = 30 * time.Second
	downloadHeaderMaxLen = 2048
)

var (
	downloadRxBuf [4096 + 64]byte
	downloadTxBuf [512]byte
	downloadChunk [4096]byte
)

// Downloader is the C6 HTTP download source: it fetches a firmware image
// over plain HTTP and streams it into a C5 UploadSink as bytes arrive, so
// the full image is never buffered in RAM.
type Downloader struct {
	stack    *xnet.StackAsync
	deviceID string
	sink     *UploadSink

	state  DownloadState
	errMsg string
}

// NewDownloader builds a Downloader over stack, identifying itself to the
// origin server as deviceID (per §4.6's User-Agent requirement), feeding
// bytes to sink.
func NewDownloader(stack *xnet.StackAsync, deviceID string, sink *UploadSink) *Downloader {
	return &Downloader{stack: stack, deviceID: deviceID, sink: sink}
}

// State returns the current download state.
func (d *Downloader) State() DownloadState { return d.state }

// Error returns the message recorded when entering DownloadError, if any.
func (d *Downloader) Error() string { return d.errMsg }

func (d *Downloader) fail(msg string) error {
	d.state = DownloadError
	d.errMsg = msg
	d.sink.Cancel()
	return errors.New(msg)
}

// parsedURL is the result of parsing the §4.6 URL grammar:
// http://HOST[:PORT][/PATH].
type parsedURL struct {
	host string
	port uint16
	path string
}

func parseDownloadURL(raw string) (parsedURL, error) {
	const scheme = "http://"
	if !strings.HasPrefix(raw, scheme) {
		return parsedURL{}, ErrBadURL
	}
	rest := raw[len(scheme):]
	if rest == "" {
		return parsedURL{}, ErrBadURL
	}

	hostPort := rest
	path := "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPort = rest[:i]
		path = rest[i:]
	}
	if hostPort == "" {
		return parsedURL{}, ErrBadURL
	}

	host := hostPort
	port := uint16(80)
	if i := strings.LastIndexByte(hostPort, ':'); i >= 0 {
		host = hostPort[:i]
		p, err := strconv.ParseUint(hostPort[i+1:], 10, 16)
		if err != nil || host == "" {
			return parsedURL{}, ErrBadURL
		}
		port = uint16(p)
	}
	return parsedURL{host: host, port: port, path: path}, nil
}

// Download runs the full C6 pipeline (§4.6): parse, resolve, connect, send
// request, parse headers for Content-Length, then stream the body into
// sink, finishing with sink.End(expectedCRC32).
func (d *Downloader) Download(rawURL string, expectedCRC32 uint32, versionHint string) error {
	d.state = DownloadParsing
	u, err := parseDownloadURL(rawURL)
	if err != nil {
		return d.fail(err.Error())
	}

	d.state = DownloadResolving
	rstack := d.stack.StackRetrying(5 * time.Millisecond)
	addrs, err := rstack.DoLookupIP(u.host, downloadDialTimeout, 2)
	if err != nil {
		return d.fail("dns resolution failed: " + err.Error())
	}
	if len(addrs) == 0 {
		return d.fail("dns resolution failed: no addresses returned")
	}
	remote := netip.AddrPortFrom(addrs[0], u.port)

	d.state = DownloadConnecting
	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             downloadRxBuf[:],
		TxBuf:             downloadTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return d.fail(err.Error())
	}
	lport := uint16(d.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, remote, downloadDialTimeout, downloadDialRetries); err != nil {
		conn.Abort()
		return d.fail(err.Error())
	}
	defer func() {
		conn.Close()
		for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		d.stack.DiscardResolveHardwareAddress6(remote.Addr())
	}()

	d.state = DownloadSendingRequest
	conn.SetDeadline(time.Now().Add(downloadReadTimeout))
	conn.Write([]byte("GET "))
	conn.Write([]byte(u.path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(u.host))
	conn.Write([]byte("\r\nConnection: close\r\nUser-Agent: "))
	conn.Write([]byte(d.deviceID))
	conn.Write([]byte("\r\n\r\n"))
	conn.Flush()

	d.state = DownloadReceivingHeaders
	contentLength, bodyStart, err := readHeaders(&conn)
	if err != nil {
		return d.fail(err.Error())
	}
	if contentLength < 0 {
		return d.fail(ErrNoContentLength.Error())
	}

	if err := d.sink.Begin(uint32(contentLength), versionHint); err != nil {
		return d.fail(err.Error())
	}

	d.state = DownloadReceivingBody
	if len(bodyStart) > 0 {
		if err := d.sink.Feed(bodyStart); err != nil {
			return d.fail(err.Error())
		}
	}
	received := len(bodyStart)
	for received < contentLength {
		n, err := conn.Read(downloadChunk[:])
		if err != nil {
			return d.fail(err.Error())
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := d.sink.Feed(downloadChunk[:n]); err != nil {
			return d.fail(err.Error())
		}
		received += n
	}

	d.state = DownloadValidating
	if err := d.sink.End(expectedCRC32); err != nil {
		return d.fail(err.Error())
	}
	d.state = DownloadComplete
	return nil
}

// readHeaders reads from conn until it sees the blank line terminating the
// HTTP response headers, returning the parsed Content-Length (-1 if
// absent) and any body bytes that arrived in the same read as the
// terminator.
func readHeaders(conn *tcp.Conn) (contentLength int, bodyStart []byte, err error) {
	var buf [downloadHeaderMaxLen]byte
	n := 0
	for {
		chunk := make([]byte, 256)
		r, rerr := conn.Read(chunk)
		if rerr != nil {
			return -1, nil, rerr
		}
		if r == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n+r > len(buf) {
			return -1, nil, ErrBadURL
		}
		copy(buf[n:], chunk[:r])
		n += r

		idx := indexHeaderEnd(buf[:n])
		if idx >= 0 {
			headers := string(buf[:idx])
			contentLength = parseContentLength(headers)
			return contentLength, append([]byte(nil), buf[idx+4:n]...), nil
		}
	}
}

func indexHeaderEnd(buf []byte) int {
	return bytes.Index(buf, []byte("\r\n\r\n"))
}

func parseContentLength(headers string) int {
	for _, line := range strings.Split(headers, "\r\n") {
		if len(line) > 15 && strings.EqualFold(line[:15], "Content-Length:") {
			v := strings.TrimSpace(line[15:])
			n, err := strconv.Atoi(v)
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}
