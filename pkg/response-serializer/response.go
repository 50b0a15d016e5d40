package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response types, as seen by the page.
const (
	// Same-origin, fully inspectable response.
	TypeBasic = "basic"
	// Cross-origin response the origin explicitly shared.
	TypeCors = "cors"
	// Cross-origin response that is not inspectable.
	TypeOpaque = "opaque"
)

// StoredResponse is a fully materialized response.
// The body is owned by the value, i.e. it is never shared with a live response stream.
type StoredResponse struct {
	// Absolute URL of the request that produced the response.
	URL        string      `msgpack:"url" cbor:"1,keyasint"`
	StatusCode int         `msgpack:"status" cbor:"2,keyasint"`
	Header     http.Header `msgpack:"header" cbor:"3,keyasint"`
	Body       []byte      `msgpack:"body" cbor:"4,keyasint"`
	Type       string      `msgpack:"type" cbor:"5,keyasint"`
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time `msgpack:"requestTime" cbor:"6,keyasint"`
	// The value of the clock at the time the response was received.
	ResponseTime time.Time `msgpack:"responseTime" cbor:"7,keyasint"`
}

// ReadResponse consumes the body of res and returns a stored copy of it.
// The original body is closed and replaced with a reader over a separate copy,
// so res can still be handed to the caller while the stored value is written elsewhere.
func ReadResponse(res *http.Response, responseType string, requestTime time.Time) (StoredResponse, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return StoredResponse{}, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))

	sRes := StoredResponse{
		StatusCode:   res.StatusCode,
		Header:       res.Header.Clone(),
		Body:         bytes.Clone(body),
		Type:         responseType,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	}
	if sRes.Body == nil {
		sRes.Body = []byte{}
	}
	if res.Request != nil && res.Request.URL != nil {
		sRes.URL = res.Request.URL.String()
	}
	if sRes.Header == nil {
		sRes.Header = http.Header{}
	}
	return sRes, nil
}

// Response creates a new *http.Response backed by a private copy of the stored body.
func (s StoredResponse) Response(req *http.Request) *http.Response {
	body := bytes.Clone(s.Body)
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// Codec encodes stored responses to bytes and back.
type Codec interface {
	Encode(StoredResponse) ([]byte, error)
	Decode([]byte) (StoredResponse, error)
}

// ByName returns the codec with the given name: `http` (default), `msgpack` or `cbor`.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "http":
		return HTTP{}, nil
	case "msgpack":
		return Msgpack{}, nil
	case "cbor":
		return NewCBOR()
	default:
		return nil, fmt.Errorf("Unsupported codec: %s", name)
	}
}

const (
	responseTimeHeaderName = "Ocache-Response-Time"
	requestTimeHeaderName  = "Ocache-Request-Time"
	typeHeaderName         = "Ocache-Response-Type"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// HTTP stores the response in HTTP/1.1 wire format, preceded by the request that produced it.
// The zero value is ready to use.
type HTTP struct{}

func (HTTP) Encode(sRes StoredResponse) ([]byte, error) {
	buf := &bytes.Buffer{}

	req, err := http.NewRequest(http.MethodGet, sRes.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %q: %w", sRes.URL, err)
	}
	// absolute-form request line, so the stored URL keeps its scheme
	if err := req.WriteProxy(buf); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	buf.Write(delim)

	res := sRes.Response(nil)
	res.Header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.Unix(), 10))
	res.Header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.Unix(), 10))
	res.Header.Set(typeHeaderName, sRes.Type)
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

func (HTTP) Decode(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return sRes, fmt.Errorf("Malformed stored response: no request delimiter")
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
	if err != nil {
		return sRes, fmt.Errorf("read stored request: %w", err)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return sRes, fmt.Errorf("read stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, fmt.Errorf("read stored body: %w", err)
	}

	sRes.URL = req.URL.String()
	sRes.StatusCode = res.StatusCode
	sRes.Body = body
	sRes.Type = res.Header.Get(typeHeaderName)
	if resTime, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64); err == nil {
		sRes.ResponseTime = time.Unix(resTime, 0)
	}
	if reqTime, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64); err == nil {
		sRes.RequestTime = time.Unix(reqTime, 0)
	}
	// delete extra headers
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	res.Header.Del(typeHeaderName)
	sRes.Header = res.Header
	return sRes, nil
}
