package bouncer

import (
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircreader"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	readBufferInitial = 1024
	readBufferMax     = 8192 + 512
	writeQueueLen     = 1024
	writeTimeout      = 30 * time.Second
)

// lineSender is the reactor's view of a socket. Sends never block.
type lineSender interface {
	SendLine(line string)
	Close()
}

// lineConn owns one socket. Its reader and writer goroutines only post
// events; they never touch session state.
type lineConn struct {
	conn net.Conn
	enc  encoding.Encoding

	out       chan string
	closeOnce sync.Once
	done      chan struct{}
}

func newLineConn(conn net.Conn, enc encoding.Encoding) *lineConn {
	return &lineConn{
		conn: conn,
		enc:  enc,
		out:  make(chan string, writeQueueLen),
		done: make(chan struct{}),
	}
}

// lookupEncoding maps a charset name to an encoding. Empty and UTF-8
// names return nil, meaning lines pass through untouched.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	return htmlindex.Get(name)
}

// start runs the reader and writer goroutines. onLine is called for
// every received line and onClose once, after both goroutines stopped
// using the socket.
func (c *lineConn) start(onLine func(line string), onClose func(err error)) {
	go c.writeLoop()
	go func() {
		err := c.readLoop(onLine)
		c.Close()
		onClose(err)
	}()
}

func (c *lineConn) readLoop(onLine func(string)) error {
	var reader ircreader.Reader
	reader.Initialize(c.conn, readBufferInitial, readBufferMax)
	for {
		raw, err := reader.ReadLine()
		if err != nil {
			return err
		}
		line := c.decode(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}
		onLine(line)
	}
}

func (c *lineConn) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case line := <-c.out:
			if !c.write(line, writeTimeout) {
				return
			}
		case <-c.done:
			// Flush what is already queued, then let the reader see EOF.
			for {
				select {
				case line := <-c.out:
					if !c.write(line, time.Second) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *lineConn) write(line string, timeout time.Duration) bool {
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := c.conn.Write([]byte(c.encode(line) + "\r\n"))
	return err == nil
}

func (c *lineConn) decode(raw []byte) string {
	line := strings.TrimRight(string(raw), "\r\n")
	if c.enc == nil || utf8.ValidString(line) {
		return line
	}
	decoded, err := c.enc.NewDecoder().String(line)
	if err != nil {
		return strings.ToValidUTF8(line, "�")
	}
	return decoded
}

func (c *lineConn) encode(line string) string {
	if c.enc == nil {
		return line
	}
	encoded, err := encoding.ReplaceUnsupported(c.enc.NewEncoder()).String(line)
	if err != nil {
		return line
	}
	return encoded
}

// SendLine queues a line. A peer that stops reading long enough to fill
// the queue is disconnected.
func (c *lineConn) SendLine(line string) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- line:
	default:
		c.Close()
	}
}

// Close stops accepting lines. Queued lines are flushed before the socket
// closes.
func (c *lineConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
