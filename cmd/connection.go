// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/cn105ctl/internal/framelog"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
)

// Connection provides a common interface for reading/writing bytes from serial or WebSocket
type Connection = io.ReadWriteCloser

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection wraps a WebSocket connection for byte-level reading
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// The bridge forwards UART bytes as binary messages only
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port with CN105 framing: 8 data bits,
// even parity, one stop bit
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves the bridge password from config, environment or a prompt
func GetPassword() (string, error) {
	if cfg != nil && cfg.WebSocket.Password != "" {
		return cfg.WebSocket.Password, nil
	}
	if pw := os.Getenv("CN105_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal; read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// transport describes how to reach the unit once the password is known
type transport struct {
	url      string
	username string
	password string
	port     string
	baud     int
	skipTLS  bool
}

func (t transport) String() string {
	if t.url != "" {
		return fmt.Sprintf("WebSocket: %s", t.url)
	}
	return fmt.Sprintf("Serial: %s @ %d baud", t.port, t.baud)
}

func (t transport) open() (Connection, error) {
	if t.url != "" {
		return OpenWebSocketConnection(t.url, t.username, t.password, t.skipTLS)
	}
	return OpenSerialConnection(t.port, t.baud)
}

// resolveTransport reads the connection settings and prompts for the bridge
// password at most once, so reconnects never block on the terminal
func resolveTransport() (transport, error) {
	t := transport{
		url:      cfg.WebSocket.URL,
		username: cfg.WebSocket.Username,
		port:     cfg.Serial.Port,
		baud:     cfg.Serial.Baud,
		skipTLS:  wsNoSSLVerify,
	}
	if t.url != "" {
		if t.username != "" {
			pw, err := GetPassword()
			if err != nil {
				return transport{}, err
			}
			t.password = pw
		}
		return t, nil
	}
	if t.port == "" {
		return transport{}, errors.New("either --port or --url must be specified")
	}
	return t, nil
}

// OpenConnection opens either a serial or WebSocket connection based on config
func OpenConnection() (Connection, string, error) {
	t, err := resolveTransport()
	if err != nil {
		return nil, "", err
	}
	conn, err := t.open()
	if err != nil {
		return nil, "", err
	}
	return conn, t.String(), nil
}

// newOpener returns a heatpump opener for t. With rec set, every port the
// controller opens is recorded.
func newOpener(t transport, rec *framelog.Writer) heatpump.Opener {
	return func() (io.ReadWriteCloser, error) {
		conn, err := t.open()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return conn, nil
		}
		tap := framelog.NewTap(conn, rec)
		tap.OnError = func(err error) {
			log.WithError(err).Warn("Failed to record traffic")
		}
		return tap, nil
	}
}

// openRecorder creates a recording when path is set
func openRecorder(path string, t transport) (*framelog.Writer, error) {
	if path == "" {
		return nil, nil
	}
	rec, err := framelog.Create(path, t.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	log.WithFields(logrus.Fields{
		"file":    path,
		"session": rec.Header().Session,
	}).Info("Recording link traffic")
	return rec, nil
}
