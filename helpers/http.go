package helpers

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"sync"
)

// MockHTTP is http.RoundTripper replying with canned response.
// Zero Status means 200.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Status int
	Header []byte // raw status line and headers, overrides Status
	Body   []byte
	Err    error

	mu       sync.Mutex
	requests []string
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req.Method+" "+req.URL.String())
	m.mu.Unlock()

	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	header := m.Header
	if header == nil {
		status := m.Status
		if status == 0 {
			status = http.StatusOK
		}
		header = []byte(fmt.Sprintf("HTTP/1.0 %d %s\r\n\r\n", status, http.StatusText(status)))
	}
	rb := make([]byte, 0, len(header)+len(m.Body))
	rb = append(rb, header...)
	rb = append(rb, m.Body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}

// Requests returns "METHOD URL" of every request seen.
func (m *MockHTTP) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}
