package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrPayloadTooLarge is returned when a message exceeds its bound.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecode is returned when a message is not the expected JSON document.
	ErrDecode = errors.New("malformed message")
)

// Request opens a handshake. From is the sender's registration, Name its
// display name.
type Request struct {
	From string `json:"from"`
	Name string `json:"name"`
}

// Response answers a Request.
type Response struct {
	Accepted bool `json:"accepted"`
}

type wireRequest struct {
	From *string `json:"from"`
	Name *string `json:"name"`
}

type wireResponse struct {
	Accepted *bool `json:"accepted"`
}

// EncodeRequest serializes a Request.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if len(data) > MaxRequestSize {
		return nil, fmt.Errorf("request: %w (%d > %d)", ErrPayloadTooLarge, len(data), MaxRequestSize)
	}
	return data, nil
}

// DecodeRequest parses a Request. Both fields must be present.
func DecodeRequest(data []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, fmt.Errorf("%w: request: %v", ErrDecode, err)
	}
	if w.From == nil || w.Name == nil {
		return Request{}, fmt.Errorf("%w: request: missing from or name", ErrDecode)
	}
	return Request{From: *w.From, Name: *w.Name}, nil
}

// EncodeResponse serializes a Response.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a Response. The accepted field must be present.
func DecodeResponse(data []byte) (Response, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return Response{}, fmt.Errorf("%w: response: %v", ErrDecode, err)
	}
	if w.Accepted == nil {
		return Response{}, fmt.Errorf("%w: response: missing accepted", ErrDecode)
	}
	return Response{Accepted: *w.Accepted}, nil
}

// ReadPayload reads r to EOF, failing with ErrPayloadTooLarge once more
// than limit bytes arrive.
func ReadPayload(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w (limit %d)", ErrPayloadTooLarge, limit)
	}
	return data, nil
}

// WritePayload writes data to w after checking it against limit.
func WritePayload(w io.Writer, data []byte, limit int) error {
	if len(data) > limit {
		return fmt.Errorf("%w (%d > %d)", ErrPayloadTooLarge, len(data), limit)
	}
	_, err := w.Write(data)
	return err
}

// ReadRequest reads and decodes a Request of at most limit bytes from r.
func ReadRequest(r io.Reader, limit int) (Request, error) {
	data, err := ReadPayload(r, limit)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(data)
}

// WriteRequest encodes req and writes it to w.
func WriteRequest(w io.Writer, req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return WritePayload(w, data, MaxRequestSize)
}

// ReadResponse reads and decodes a Response from r.
func ReadResponse(r io.Reader) (Response, error) {
	data, err := ReadPayload(r, MaxResponseSize)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(data)
}

// WriteResponse encodes resp and writes it to w.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return WritePayload(w, data, MaxResponseSize)
}
