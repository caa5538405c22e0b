// Package simulator эмулирует ELM327 в памяти: для тестов и запуска без автомобиля.
package simulator

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Ответы по умолчанию: бензиновый двигатель на CAN 11/500
var defaultResponses = map[string]string{
	"ATZ":   "ELM327 v1.5",
	"ATI":   "ELM327 v1.5",
	"ATDPN": "A6",
	"ATRV":  "12.6V",
	"0100":  "41 00 BE 3F A8 13",
	"0101":  "41 01 83 07 65 04",
	"0104":  "41 04 7F",
	"0105":  "41 05 5A",
	"0106":  "41 06 80",
	"0107":  "41 07 82",
	"010B":  "41 0B 21",
	"010C":  "41 0C 1A F8",
	"010D":  "41 0D 32",
	"010F":  "41 0F 46",
	"0111":  "41 11 33",
	"0120":  "41 20 80 02 A0 00",
	"0121":  "41 21 00 0A",
	"012F":  "41 2F C0",
	"0133":  "41 33 65",
}

// Simulator реализует io.ReadWriteCloser и отвечает как ELM327
type Simulator struct {
	mu        sync.Mutex
	responses map[string]string
	received  []string
	headers   bool
	echo      bool

	pending   []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	cmd       []byte
}

// New создает симулятор с ответами по умолчанию
func New() *Simulator {
	s := &Simulator{
		responses: make(map[string]string, len(defaultResponses)),
		out:       make(chan []byte, 16),
		closed:    make(chan struct{}),
	}
	for cmd, resp := range defaultResponses {
		s.responses[cmd] = resp
	}
	return s
}

// Set задает ответ на команду. Пустая строка означает "NO DATA".
func (s *Simulator) Set(cmd, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if response == "" {
		delete(s.responses, cmd)
		return
	}
	s.responses[cmd] = response
}

// Received возвращает копию списка полученных команд
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Count возвращает, сколько раз пришла команда
func (s *Simulator) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.received {
		if c == cmd {
			n++
		}
	}
	return n
}

func (s *Simulator) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case b := <-s.out:
			s.pending = b
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Simulator) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	for _, b := range p {
		if b != '\r' {
			s.cmd = append(s.cmd, b)
			continue
		}
		cmd := strings.ToUpper(strings.TrimSpace(string(s.cmd)))
		s.cmd = s.cmd[:0]

		reply := s.handle(cmd)
		select {
		case s.out <- []byte(reply):
		case <-s.closed:
			return 0, io.ErrClosedPipe
		}
	}
	return len(p), nil
}

func (s *Simulator) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Simulator) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, cmd)

	var body string
	switch cmd {
	case "ATH1":
		s.headers = true
		body = "OK"
	case "ATH0":
		s.headers = false
		body = "OK"
	case "ATE1":
		s.echo = true
		body = "OK"
	case "ATE0":
		s.echo = false
		body = "OK"
	default:
		resp, ok := s.responses[cmd]
		switch {
		case ok:
			body = s.frame(resp)
		case strings.HasPrefix(cmd, "AT"):
			body = "OK"
		default:
			body = "NO DATA"
		}
	}

	if s.echo {
		body = cmd + "\r" + body
	}
	return body + "\r\r>"
}

// frame добавляет заголовок CAN 11-бит и PCI, если заголовки включены
func (s *Simulator) frame(resp string) string {
	if !s.headers || !strings.HasPrefix(resp, "4") {
		return resp
	}
	n := len(strings.Fields(resp))
	return fmt.Sprintf("7E8 %02X %s", n, resp)
}
