package punch

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	timer "github.com/xiaonanln/goTimer"

	"github.com/loomworld/loom/engine/wlog"
)

const _SERVER_TICK_INTERVAL = time.Millisecond * 100

// sessionEntry is one registered session, ordered by (name, token) so
// directory listings come out sorted by session name
type sessionEntry struct {
	token string
	name  string

	hostPunchAddr   *net.UDPAddr
	hostSessionAddr string
	numUsers        int
	maxUsers        int
	expireAt        time.Time
}

func (e *sessionEntry) Less(_other llrb.Item) bool {
	other := _other.(*sessionEntry)
	return e.name < other.name || (e.name == other.name && e.token < other.token)
}

// Server is the rendezvous server: it keeps the session directory, answers
// discovery queries, introduces joiners to hosts and allocates relay
// forwarders for the punch-through fallback
type Server struct {
	conn   *net.UDPConn
	bindIP net.IP
	ttl    time.Duration

	lock       sync.Mutex
	directory  *llrb.LLRB
	byToken    map[string]*sessionEntry
	forwarders []*relayForwarder

	terminating xnsyncutil.AtomicBool
}

// NewServer binds the rendezvous server on ip:port. Registrations not
// refreshed within ttl are evicted.
func NewServer(ip string, port int, ttl time.Duration) (*Server, error) {
	bindIP := net.ParseIP(ip)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s:%d", ip, port)
	}

	s := &Server{
		conn:      conn,
		bindIP:    bindIP,
		ttl:       ttl,
		directory: llrb.New(),
		byToken:   map[string]*sessionEntry{},
	}
	wlog.Infof("%s listening ...", s)
	return s, nil
}

func (s *Server) String() string {
	return fmt.Sprintf("PunchServer<%s>", s.conn.LocalAddr())
}

// Run serves rendezvous traffic and drives the eviction timers; it blocks
// until the server is closed
func (s *Server) Run() {
	go s.serveLoop()

	timer.AddTimer(s.ttl/2, s.sweep)
	for !s.terminating.Load() {
		time.Sleep(_SERVER_TICK_INTERVAL)
		timer.Tick()
	}
}

func (s *Server) serveLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.terminating.Load() {
				wlog.Errorf("%s recv: %v", s, err)
			}
			return
		}

		msg, err := decodeMessage(buf[:n])
		if err != nil {
			wlog.Debugf("%s: bad datagram from %s: %v", s, from, err)
			continue
		}
		s.handle(msg, from)
	}
}

func (s *Server) handle(msg *message, from *net.UDPAddr) {
	switch msg.Op {
	case OP_REGISTER:
		s.handleRegister(msg, from)
	case OP_UNREGISTER:
		s.handleUnregister(msg)
	case OP_LIST:
		s.handleList(from)
	case OP_JOIN:
		s.handleJoin(msg, from)
	default:
		wlog.Debugf("%s: unknown op %d from %s", s, msg.Op, from)
	}
}

func (s *Server) handleRegister(msg *message, from *net.UDPAddr) {
	if msg.Token == "" || msg.Port == 0 {
		s.send(from, &message{Op: OP_REGISTER_ACK, Err: "invalid registration"})
		return
	}

	s.lock.Lock()
	entry := s.byToken[msg.Token]
	if entry != nil {
		s.directory.Delete(entry)
	} else {
		entry = &sessionEntry{token: msg.Token}
		s.byToken[msg.Token] = entry
	}
	entry.name = msg.Name
	entry.hostPunchAddr = from
	entry.hostSessionAddr = net.JoinHostPort(from.IP.String(), strconv.Itoa(msg.Port))
	entry.numUsers = msg.NumUsers
	entry.maxUsers = msg.MaxUsers
	entry.expireAt = time.Now().Add(s.ttl)
	s.directory.ReplaceOrInsert(entry)
	s.lock.Unlock()

	s.send(from, &message{Op: OP_REGISTER_ACK, Ok: true, Token: msg.Token})
}

func (s *Server) handleUnregister(msg *message) {
	s.lock.Lock()
	if entry := s.byToken[msg.Token]; entry != nil {
		s.directory.Delete(entry)
		delete(s.byToken, msg.Token)
		wlog.Infof("%s: session %s (%s) unregistered", s, entry.name, entry.token)
	}
	s.lock.Unlock()
}

func (s *Server) handleList(from *net.UDPAddr) {
	s.lock.Lock()
	sessions := make([]SessionDesc, 0, s.directory.Len())
	s.directory.AscendGreaterOrEqual(&sessionEntry{}, func(item llrb.Item) bool {
		e := item.(*sessionEntry)
		sessions = append(sessions, SessionDesc{
			Token:    e.token,
			Name:     e.name,
			NumUsers: e.numUsers,
			MaxUsers: e.maxUsers,
		})
		return true
	})
	s.lock.Unlock()

	s.send(from, &message{Op: OP_LIST_RESULT, Sessions: sessions})
}

func (s *Server) handleJoin(msg *message, from *net.UDPAddr) {
	s.lock.Lock()
	entry := s.byToken[msg.Token]
	s.lock.Unlock()

	if entry == nil {
		s.send(from, &message{Op: OP_JOIN_RESULT, Err: "no such session"})
		return
	}

	hostAddr, err := net.ResolveUDPAddr("udp", entry.hostSessionAddr)
	if err != nil {
		s.send(from, &message{Op: OP_JOIN_RESULT, Err: "bad host endpoint"})
		return
	}

	rf, err := newRelayForwarder(s.bindIP, hostAddr)
	relayPort := 0
	if err != nil {
		wlog.Errorf("%s: relay allocation: %v", s, err)
	} else {
		relayPort = rf.port()
		s.lock.Lock()
		s.forwarders = append(s.forwarders, rf)
		s.lock.Unlock()
	}

	s.send(from, &message{
		Op:        OP_JOIN_RESULT,
		Ok:        true,
		Token:     entry.token,
		HostAddr:  entry.hostSessionAddr,
		RelayPort: relayPort,
	})

	// tell the host so it can expect the joiner's endpoint
	s.send(entry.hostPunchAddr, &message{
		Op:         OP_INTRODUCE,
		Token:      entry.token,
		ClientAddr: from.String(),
	})
	wlog.Infof("%s: introduced %s to session %s (%s)", s, from, entry.name, entry.hostSessionAddr)
}

func (s *Server) send(to *net.UDPAddr, msg *message) {
	data, err := encodeMessage(msg)
	if err != nil {
		wlog.Errorf("%s: encode reply: %v", s, err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, to); err != nil {
		wlog.Debugf("%s: send to %s: %v", s, to, err)
	}
}

// sweep evicts expired registrations and idle relay forwarders
func (s *Server) sweep() {
	now := time.Now()

	s.lock.Lock()
	for token, entry := range s.byToken {
		if entry.expireAt.Before(now) {
			s.directory.Delete(entry)
			delete(s.byToken, token)
			wlog.Infof("%s: session %s (%s) expired", s, entry.name, token)
		}
	}

	forwarders := s.forwarders[:0]
	for _, rf := range s.forwarders {
		if rf.idleSince(now) > s.ttl {
			rf.close()
		} else {
			forwarders = append(forwarders, rf)
		}
	}
	s.forwarders = forwarders
	s.lock.Unlock()
}

// NumSessions returns the number of registered sessions
func (s *Server) NumSessions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.directory.Len()
}

// LocalAddr returns the server's bound address
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops the server and all relay forwarders
func (s *Server) Close() {
	s.terminating.Store(true)
	s.conn.Close()

	s.lock.Lock()
	for _, rf := range s.forwarders {
		rf.close()
	}
	s.forwarders = nil
	s.lock.Unlock()
}
