// Package socks5 implements the credential-gated SOCKS5 front end the
// rule engine configures. Each rule's secret key is a SOCKS username, and
// an authenticated client may CONNECT only to the endpoint its credential
// projects to.
package socks5

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openconnector/sdagent/internal/config"
	"github.com/openconnector/sdagent/internal/rule"
	"github.com/openconnector/sdagent/internal/statistics"
)

// SOCKS5 constants
const (
	socksVer5        = 0x05
	socksAuthUsrPass = 0x02
	socksAuthNone    = 0xFF
	socksCmdConn     = 0x01

	socksATYPv4    = 0x01
	socksATYDomain = 0x03
	socksATYPv6    = 0x04

	// REP codes
	repSuccess        = 0x00
	repNotAllowed     = 0x02
	repHostUnreach    = 0x04
	repCmdUnsupported = 0x07

	authSubnegVer = 0x01
)

var (
	ErrInvalidSocksVersion = errors.New("invalid socks version")
	ErrInvalidSocksCmd     = errors.New("invalid socks cmd")
	ErrAuthFailed          = errors.New("authentication failed")
)

// Server is a SOCKS5 server whose only authentication method is
// username/password (RFC 1929). The username is a rule secret key; the
// password must repeat it.
type Server struct {
	cfg        *config.Config
	creds      map[string]rule.Endpoint
	rec        *statistics.Recorder
	listener   net.Listener
	ListenAddr string

	// rejected dedupes warn logs for repeatedly failing credentials.
	rejected *lru.Cache[string, struct{}]
}

// New returns a server gating connections with the given credential map.
func New(cfg *config.Config, creds map[string]rule.Endpoint, rec *statistics.Recorder) (*Server, error) {
	rejected, err := lru.New[string, struct{}](128)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		creds:      creds,
		rec:        rec,
		rejected:   rejected,
		ListenAddr: fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.SocksServerPort),
	}, nil
}

// Start binds the listener and serves clients until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	s.listener = ln
	s.ListenAddr = ln.Addr().String()
	slog.Info("socks5 server started", slog.String("addr", s.ListenAddr), slog.Int("credentials", len(s.creds)))

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		client, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept failed", slog.Any("error", err))
			continue
		}
		slog.Debug("accept connection", slog.String("remote", client.RemoteAddr().String()))
		go s.handleClient(client)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleClient(client net.Conn) {
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()

	credential, err := s.authenticate(client)
	if err != nil {
		return
	}
	allowed := s.creds[credential]

	destAddrPort, err := s.parseRequest(client)
	if err != nil {
		slog.Debug("parse request failed",
			slog.String("remote", client.RemoteAddr().String()), slog.Any("error", err))
		return
	}

	if !destinationAllowed(destAddrPort, allowed) {
		slog.Warn("destination not allowed for credential",
			slog.String("remote", client.RemoteAddr().String()),
			slog.String("dest", destAddrPort),
			slog.String("allowed", allowed.Addr()))
		_ = s.reply(client, repNotAllowed)
		return
	}

	// Dial the mapped endpoint, not the client-supplied string, so the
	// credential map stays authoritative.
	target, err := net.Dial("tcp", allowed.Addr())
	if err != nil {
		slog.Debug("connect failed", slog.String("dest", allowed.Addr()), slog.Any("error", err))
		_ = s.reply(client, repHostUnreach)
		return
	}
	if err := s.reply(client, repSuccess); err != nil {
		_ = target.Close()
		return
	}

	if s.rec != nil {
		s.rec.Record(credential, allowed.Addr())
	}

	c := client
	client = nil // ownership moves to the forwarders
	s.forwardTCP(c, target)
}

// authenticate negotiates the username/password method and verifies the
// presented credential. Returns the authenticated secret key.
func (s *Server) authenticate(client net.Conn) (string, error) {
	buf := make([]byte, 256)

	// VER, NMETHODS
	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return "", fmt.Errorf("reading header: %w", err)
	}
	ver, nMethods := int(buf[0]), int(buf[1])
	if ver != socksVer5 {
		return "", ErrInvalidSocksVersion
	}

	if _, err := io.ReadFull(client, buf[:nMethods]); err != nil {
		return "", fmt.Errorf("read methods: %w", err)
	}
	offered := false
	for _, m := range buf[:nMethods] {
		if m == socksAuthUsrPass {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = client.Write([]byte{socksVer5, socksAuthNone})
		return "", ErrAuthFailed
	}
	if _, err := client.Write([]byte{socksVer5, socksAuthUsrPass}); err != nil {
		return "", fmt.Errorf("write method rsp: %w", err)
	}

	// RFC 1929 subnegotiation: VER, ULEN, UNAME, PLEN, PASSWD
	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return "", fmt.Errorf("read auth header: %w", err)
	}
	if buf[0] != authSubnegVer {
		return "", ErrAuthFailed
	}
	ulen := int(buf[1])
	if _, err := io.ReadFull(client, buf[:ulen]); err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}
	username := string(buf[:ulen])
	if _, err := io.ReadFull(client, buf[:1]); err != nil {
		return "", fmt.Errorf("read password len: %w", err)
	}
	plen := int(buf[0])
	if _, err := io.ReadFull(client, buf[:plen]); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := string(buf[:plen])

	_, known := s.creds[username]
	if !known || subtle.ConstantTimeCompare([]byte(password), []byte(username)) != 1 {
		s.logRejected(client, username)
		_, _ = client.Write([]byte{authSubnegVer, 0x01})
		return "", ErrAuthFailed
	}
	if _, err := client.Write([]byte{authSubnegVer, 0x00}); err != nil {
		return "", fmt.Errorf("write auth rsp: %w", err)
	}
	return username, nil
}

// logRejected warns once per (peer, credential) pair; repeats only hit the
// LRU.
func (s *Server) logRejected(client net.Conn, username string) {
	peer := client.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	key := peer + "|" + username
	if _, seen := s.rejected.Get(key); seen {
		return
	}
	s.rejected.Add(key, struct{}{})
	slog.Warn("rejected credential", slog.String("remote", peer))
}

// parseRequest reads a single SOCKS5 CONNECT request and returns the
// requested destination as host:port.
func (s *Server) parseRequest(client net.Conn) (string, error) {
	buf := make([]byte, 256)

	// VER, CMD, RSV, ATYP
	if _, err := io.ReadFull(client, buf[:4]); err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	ver, cmd, atyp := buf[0], buf[1], buf[3]
	if ver != socksVer5 {
		return "", ErrInvalidSocksVersion
	}
	if cmd != socksCmdConn {
		_ = s.reply(client, repCmdUnsupported)
		return "", ErrInvalidSocksCmd
	}

	var addr string
	switch atyp {
	case socksATYPv4:
		if _, err := io.ReadFull(client, buf[:4]); err != nil {
			return "", fmt.Errorf("invalid IPv4: %w", err)
		}
		addr = fmt.Sprintf("%d.%d.%d.%d", buf[0], buf[1], buf[2], buf[3])

	case socksATYDomain:
		if _, err := io.ReadFull(client, buf[:1]); err != nil {
			return "", fmt.Errorf("invalid hostname(len): %w", err)
		}
		addrLen := int(buf[0])
		if _, err := io.ReadFull(client, buf[:addrLen]); err != nil {
			return "", fmt.Errorf("invalid hostname: %w", err)
		}
		addr = string(buf[:addrLen])

	case socksATYPv6:
		return "", errors.New("IPv6: not supported yet")

	default:
		return "", errors.New("invalid atyp")
	}

	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(buf[:2])

	return net.JoinHostPort(addr, strconv.Itoa(int(port))), nil
}

// reply writes a SOCKS5 reply with the given REP code and a zero bind
// address.
func (s *Server) reply(client net.Conn, rep byte) error {
	_, err := client.Write([]byte{socksVer5, rep, 0x00, socksATYPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// destinationAllowed compares the requested destination with the endpoint
// the credential projects to. localhost and 127.0.0.1 are treated as the
// same host.
func destinationAllowed(dest string, allowed rule.Endpoint) bool {
	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return normalizeHost(host) == normalizeHost(allowed.Host) && port == allowed.Port
}

func normalizeHost(h string) string {
	h = strings.ToLower(h)
	if h == "localhost" {
		return "127.0.0.1"
	}
	return h
}

// forwardTCP proxies traffic in both directions with TCP half-close so
// each direction can drain independently.
func (s *Server) forwardTCP(client, target net.Conn) {
	go copyHalf(client, target)
	go copyHalf(target, client)
}

func copyHalf(dst, src net.Conn) {
	defer func() {
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = dst.Close()
		}
		if tc, ok := src.(*net.TCPConn); ok {
			_ = tc.CloseRead()
		} else {
			_ = src.Close()
		}
	}()
	_, _ = io.Copy(dst, src)
}
