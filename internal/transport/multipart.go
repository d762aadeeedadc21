package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
	"strings"
)

// ErrMultipart is returned (wrapped) for any malformed multipart body.
var ErrMultipart = errors.New("multipart")

var crlf = []byte("\r\n")

// Part is one body part of a multipart response.
type Part struct {
	ContentType string
	Header      textproto.MIMEHeader
	Data        []byte
}

// DecodeMultipart splits body into its parts according to the boundary
// parameter of contentType. A boundary delimiter only counts when it
// starts the buffer or directly follows CRLF. Decoding is atomic: on
// error no parts are returned.
func DecodeMultipart(contentType string, body []byte) ([]Part, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type: %v", ErrMultipart, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("%w: not a multipart type: %s", ErrMultipart, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missed boundary parameter", ErrMultipart)
	}
	delim := []byte("--" + boundary)

	prev := findBoundary(body, delim, 0)
	if prev < 0 {
		return nil, fmt.Errorf("%w: boundary not found", ErrMultipart)
	}

	var parts []Part
	for {
		start := prev + len(delim)
		if bytes.HasPrefix(body[start:], []byte("--")) {
			break // close delimiter
		}
		next := findBoundary(body, delim, start)
		if next < 0 {
			break // trailing garbage after the last part
		}

		part, err := decodePart(body[start:next])
		if err != nil {
			return nil, fmt.Errorf("%w: part %d: %v", ErrMultipart, len(parts)+1, err)
		}
		parts = append(parts, part)
		prev = next
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrMultipart)
	}
	return parts, nil
}

// findBoundary returns the offset of the first valid occurrence of delim
// at or after off, or -1.
func findBoundary(data, delim []byte, off int) int {
	for off <= len(data) {
		i := bytes.Index(data[off:], delim)
		if i < 0 {
			return -1
		}
		pos := off + i
		if pos == 0 || (pos >= 2 && data[pos-2] == '\r' && data[pos-1] == '\n') {
			return pos
		}
		off = pos + 1
	}
	return -1
}

// decodePart parses the text between the end of one delimiter and the
// start of the next: the rest of the delimiter line, the header block
// and the body followed by CRLF.
func decodePart(seg []byte) (Part, error) {
	// Skip transport padding up to the end of the delimiter line
	eol := bytes.Index(seg, crlf)
	if eol < 0 {
		return Part{}, errors.New("unterminated boundary line")
	}
	if pad := bytes.TrimRight(seg[:eol], " \t"); len(pad) != 0 {
		return Part{}, errors.New("garbage after boundary")
	}
	seg = seg[eol+2:]

	var hdr, data []byte
	if bytes.HasPrefix(seg, crlf) {
		data = seg[2:]
	} else {
		end := bytes.Index(seg, []byte("\r\n\r\n"))
		if end < 0 {
			return Part{}, errors.New("unterminated header block")
		}
		hdr = seg[:end+4]
		data = seg[end+4:]
	}

	// The CRLF preceding the next delimiter belongs to the delimiter
	data = bytes.TrimSuffix(data, crlf)

	header := textproto.MIMEHeader{}
	if len(hdr) != 0 {
		r := textproto.NewReader(bufio.NewReader(bytes.NewReader(hdr)))
		h, err := r.ReadMIMEHeader()
		if err != nil {
			return Part{}, fmt.Errorf("header: %w", err)
		}
		header = h
	}

	return Part{
		ContentType: header.Get("Content-Type"),
		Header:      header,
		Data:        data,
	}, nil
}
