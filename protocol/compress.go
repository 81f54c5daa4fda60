package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/legamerdc/shio/handler"
)

const (
	EncodingZstd = "zstd"
	EncodingGzip = "gzip"
)

// ErrBodyTooLarge 解压后的请求体超过上限
var ErrBodyTooLarge = errors.New("protocol: decoded body too large")

// Negotiate 按 Accept-Encoding 选择响应编码，优先 zstd，其次 gzip；不接受时返回空串
func Negotiate(acceptEncoding string) string {
	var zstdOK, gzipOK bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if qZero(params) {
			continue
		}
		switch coding {
		case EncodingZstd:
			zstdOK = true
		case EncodingGzip, "x-gzip":
			gzipOK = true
		case "*":
			zstdOK, gzipOK = true, true
		}
	}
	switch {
	case zstdOK:
		return EncodingZstd
	case gzipOK:
		return EncodingGzip
	}
	return ""
}

func qZero(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && q == 0
	}
	return false
}

// Compress 在客户端接受且 body 不小于 minBytes 时就地压缩响应体。
// 已设置 Content-Encoding 的响应不处理。
func Compress(req *http.Request, resp *handler.Response, minBytes int) error {
	if req == nil || resp == nil || len(resp.Body) < minBytes || !bodyAllowed(resp.Status) {
		return nil
	}
	if resp.Header != nil && resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	enc := Negotiate(req.Header.Get("Accept-Encoding"))
	if enc == "" {
		return nil
	}
	var out []byte
	switch enc {
	case EncodingZstd:
		zw := getZstdEncoder()
		out = zw.EncodeAll(resp.Body, make([]byte, 0, len(resp.Body)/2))
		putZstdEncoder(zw)
	case EncodingGzip:
		var buf bytes.Buffer
		gw := getGzipWriter()
		gw.Reset(&buf)
		_, err := gw.Write(resp.Body)
		if err == nil {
			err = gw.Close()
		}
		putGzipWriter(gw)
		if err != nil {
			return fmt.Errorf("protocol: gzip: %w", err)
		}
		out = buf.Bytes()
	}
	if resp.Header == nil {
		resp.Header = make(http.Header, 2)
	}
	resp.Body = out
	resp.Header.Set("Content-Encoding", enc)
	resp.Header.Add("Vary", "Accept-Encoding")
	return nil
}

// DecodeRequestBody 按 Content-Encoding 解压请求体，解压后长度不得超过 limit。
// 成功后移除 Content-Encoding，handler 看到的是明文。
func DecodeRequestBody(req *http.Request, limit int64) error {
	enc := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	var r io.Reader
	switch enc {
	case EncodingZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		if err := dec.Reset(bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		r = dec
	case EncodingGzip, "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
		}
		defer gr.Close()
		r = gr
	default:
		return handler.Errorf(http.StatusUnsupportedMediaType, "unsupported content encoding %q", enc)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, enc, err)
	}
	if int64(len(body)) > limit {
		return ErrBodyTooLarge
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Del("Content-Encoding")
	return nil
}
