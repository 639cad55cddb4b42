package rules

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/elazarl/goproxy"
)

// Exchange is one request/response pair travelling through the proxy.
type Exchange struct {
	ID        string
	SessionID string
	Scheme    string
	Target    string
	Start     time.Time

	Request  *http.Request
	Response *http.Response

	RequestModified  bool
	ResponseModified bool
	// Local is set when the response was produced without contacting the
	// upstream.
	Local bool
}

// RequestBody reads and buffers the request body. The body stays readable
// for the upstream.
func (ex *Exchange) RequestBody() ([]byte, error) {
	if ex.Request == nil || ex.Request.Body == nil || ex.Request.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(ex.Request.Body)
	ex.Request.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading request body: %w", err)
	}
	ex.Request.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

// ResponseBody reads and buffers the response body.
func (ex *Exchange) ResponseBody() ([]byte, error) {
	if ex.Response == nil || ex.Response.Body == nil || ex.Response.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(ex.Response.Body)
	ex.Response.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	ex.Response.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

// SetRequestBody replaces the request body and its framing.
func (ex *Exchange) SetRequestBody(b []byte) {
	if ex.Request.Body != nil {
		ex.Request.Body.Close()
	}
	ex.Request.Body = io.NopCloser(bytes.NewReader(b))
	ex.Request.ContentLength = int64(len(b))
	ex.Request.TransferEncoding = nil
	ex.Request.Header.Del("Transfer-Encoding")
	ex.Request.Header.Set("Content-Length", strconv.Itoa(len(b)))
	ex.RequestModified = true
}

// SetResponseBody replaces the response body and its framing.
func (ex *Exchange) SetResponseBody(b []byte) {
	if ex.Response.Body != nil {
		ex.Response.Body.Close()
	}
	ex.Response.Body = io.NopCloser(bytes.NewReader(b))
	ex.Response.ContentLength = int64(len(b))
	ex.Response.TransferEncoding = nil
	ex.Response.Header.Del("Transfer-Encoding")
	ex.Response.Header.Set("Content-Length", strconv.Itoa(len(b)))
	ex.ResponseModified = true
}

// LocalResponse builds a response for req that is served without contacting
// the upstream.
func LocalResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = goproxy.ContentTypeText
	}
	resp := goproxy.NewResponse(req, contentType, status, "")
	for k, vs := range header {
		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}
	resp.Header.Set("Content-Type", contentType)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}
