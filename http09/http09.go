// Package http09 implements the request and response framing used on every stream: a single request line sent by
// the client, answered by a status line and the resource body, each direction ending with the end of the stream.
package http09

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

const MethodGet = "GET"

type Request struct {
	Method string
	Path   string // Unescaped
}

// WriteRequest sends the request line for path. It does not close the stream.
func WriteRequest(w io.Writer, path string) error {
	if path == "" {
		path = "/"
	}
	_, err := io.WriteString(w, fmt.Sprintf("%s %s\r\n", MethodGet, path))
	return err
}

// ReadRequest reads a request until the peer finishes its side of the stream. A bare path is understood as a GET.
// Requests larger than MaxRequestLength are malformed.
func ReadRequest(r io.Reader) (Request, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxRequestLength+1))
	if err != nil {
		return Request{}, err
	}
	if len(data) > MaxRequestLength {
		return Request{}, errors.Wrapf(ErrMalformedRequest, "request exceeds %d bytes", MaxRequestLength)
	}
	return ParseRequestLine(data)
}

func ParseRequestLine(data []byte) (Request, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		if len(bytes.TrimSpace(data[i+1:])) > 0 {
			return Request{}, errors.Wrap(ErrMalformedRequest, "trailing data after the request line")
		}
		data = data[:i]
	}
	line := strings.TrimRight(string(data), "\r")

	var req Request
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		req.Method, req.Path = MethodGet, fields[0]
	case 2:
		req.Method, req.Path = fields[0], fields[1]
	default:
		return Request{}, errors.Wrapf(ErrMalformedRequest, "invalid request line %q", line)
	}

	if !httpguts.ValidHeaderFieldName(req.Method) {
		return Request{}, errors.Wrapf(ErrMalformedRequest, "invalid method %q", req.Method)
	}
	if !strings.HasPrefix(req.Path, "/") {
		return Request{}, errors.Wrapf(ErrMalformedRequest, "invalid path %q", req.Path)
	}
	path, err := url.PathUnescape(req.Path)
	if err != nil {
		return Request{}, errors.Wrapf(ErrMalformedRequest, "invalid path %q", req.Path)
	}
	req.Path = path
	if req.Method != MethodGet {
		return req, errors.Wrapf(ErrUnsupportedMethod, "method %s", req.Method)
	}
	return req, nil
}

// WriteStatus sends the status line preceding a response body.
func WriteStatus(w io.Writer, status int) error {
	_, err := io.WriteString(w, StatusLine(status))
	return err
}

func StatusLine(status int) string {
	return fmt.Sprintf("%03d %s\r\n", status, http.StatusText(status))
}

// ReadResponse reads the status line of a response. The returned reader yields the body until the end of the
// stream.
func ReadResponse(r io.Reader) (int, io.Reader, error) {
	br := bufio.NewReaderSize(r, MaxStatusLineLength*2)
	line, err := br.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(line) > MaxStatusLineLength {
		return 0, nil, errors.Wrap(ErrMalformedResponse, "status line too long")
	} else if err == io.EOF {
		return 0, nil, errors.Wrap(ErrMalformedResponse, "stream ended before the status line")
	} else if err != nil {
		return 0, nil, err
	}

	status, err := ParseStatusLine(string(line))
	if err != nil {
		return 0, nil, err
	}
	return status, br, nil
}

func ParseStatusLine(line string) (int, error) {
	line = strings.TrimRight(line, "\r\n")
	code, _, _ := strings.Cut(line, " ")
	if len(code) != 3 {
		return 0, errors.Wrapf(ErrMalformedResponse, "invalid status line %q", line)
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return 0, errors.Wrapf(ErrMalformedResponse, "invalid status line %q", line)
	}
	return status, nil
}
